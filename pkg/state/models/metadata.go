package models

// MaxEmbargoMonths is the longest allowed embargo period.
const MaxEmbargoMonths = 36

// UploadMetadata carries the editable metadata of an upload. Pointer fields
// distinguish "not provided" from "set to the zero value"; a provided field
// replaces the stored one.
type UploadMetadata struct {
	UploadName    *string   `json:"upload_name,omitempty" yaml:"upload_name"`
	EmbargoLength *int      `json:"embargo_length,omitempty" yaml:"embargo_length"`
	Coauthors     *[]string `json:"coauthors,omitempty" yaml:"coauthors"`
	Reviewers     *[]string `json:"reviewers,omitempty" yaml:"reviewers"`
	Comment       *string   `json:"comment,omitempty" yaml:"comment"`
	References    *[]string `json:"references,omitempty" yaml:"references"`
	License       *string   `json:"license,omitempty" yaml:"license"`
	ExternalDB    *string   `json:"external_db,omitempty" yaml:"external_db"`
}

// EntryMetadata carries the editable metadata of a single entry.
type EntryMetadata struct {
	Comment        *string   `json:"comment,omitempty" yaml:"comment"`
	References     *[]string `json:"references,omitempty" yaml:"references"`
	ExternalID     *string   `json:"external_id,omitempty" yaml:"external_id"`
	EntryCoauthors *[]string `json:"entry_coauthors,omitempty" yaml:"entry_coauthors"`
	Datasets       *[]string `json:"datasets,omitempty" yaml:"datasets"`
}

// ApplyToUpload writes all provided fields onto u.
func (m *UploadMetadata) ApplyToUpload(u *Upload) {
	if m == nil {
		return
	}
	if m.UploadName != nil {
		u.UploadName = *m.UploadName
	}
	if m.EmbargoLength != nil {
		// Metadata files are user input; the stored embargo stays within
		// 0 to MaxEmbargoMonths.
		months := *m.EmbargoLength
		if months < 0 {
			months = 0
		}
		if months > MaxEmbargoMonths {
			months = MaxEmbargoMonths
		}
		u.EmbargoLength = months
	}
	if m.Coauthors != nil {
		u.Coauthors = *m.Coauthors
	}
	if m.Reviewers != nil {
		u.Reviewers = *m.Reviewers
	}
	if m.Comment != nil {
		u.Comment = *m.Comment
	}
	if m.References != nil {
		u.References = *m.References
	}
	if m.License != nil {
		u.License = *m.License
	}
	if m.ExternalDB != nil {
		u.ExternalDB = *m.ExternalDB
	}
}

// ApplyToEntry writes all provided fields onto e.
func (m *EntryMetadata) ApplyToEntry(e *Entry) {
	if m == nil {
		return
	}
	if m.Comment != nil {
		e.Comment = *m.Comment
	}
	if m.References != nil {
		e.References = *m.References
	}
	if m.ExternalID != nil {
		e.ExternalID = *m.ExternalID
	}
	if m.EntryCoauthors != nil {
		e.EntryCoauthors = *m.EntryCoauthors
	}
	if m.Datasets != nil {
		e.Datasets = *m.Datasets
	}
}
