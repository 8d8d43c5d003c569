package bundle

import (
	"archive/zip"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nomad-lab/nomad-core/internal/ids"
	"github.com/nomad-lab/nomad-core/pkg/archive"
	"github.com/nomad-lab/nomad-core/pkg/files"
	"github.com/nomad-lab/nomad-core/pkg/state/models"
	"github.com/nomad-lab/nomad-core/pkg/state/store"
)

type testDeployment struct {
	state  *store.GORMStore
	fstore *files.Store
}

func createTestDeployment(t *testing.T) *testDeployment {
	t.Helper()

	state, err := store.New(&store.Config{
		Type:   store.DatabaseTypeSQLite,
		SQLite: store.SQLiteConfig{Path: ":memory:"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { state.Close() })

	base := t.TempDir()
	fstore := files.NewStore(files.Config{
		StagingRoot: filepath.Join(base, "staging"),
		PublicRoot:  filepath.Join(base, "public"),
		TmpRoot:     filepath.Join(base, "tmp"),
	})

	require.NoError(t, state.CreateUser(context.Background(), &models.User{
		ID:       "user-1",
		Username: "alice",
	}))
	return &testDeployment{state: state, fstore: fstore}
}

// createSourceUpload builds an unpublished upload with two entries, raw
// files and staged archives on the given deployment.
func createSourceUpload(t *testing.T, d *testDeployment, uploadID string) (*models.Upload, []*models.Entry) {
	t.Helper()
	ctx := context.Background()

	upload := &models.Upload{
		UploadID:      uploadID,
		UploadName:    "bundle fixture",
		MainAuthor:    "user-1",
		ProcessStatus: models.StatusSuccess,
	}
	require.NoError(t, d.state.CreateUpload(ctx, upload))

	staging := d.fstore.StagingFiles(uploadID)
	require.NoError(t, staging.EnsureDirs())

	var entries []*models.Entry
	for _, mainfile := range []string{"calc1/template.json", "calc2/template.json"} {
		abs := filepath.Join(staging.RawDir(), filepath.FromSlash(mainfile))
		require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0755))
		require.NoError(t, os.WriteFile(abs, []byte(`{"template": true}`), 0644))

		entryID := ids.EntryID(uploadID, mainfile)
		require.NoError(t, staging.WriteEntryArchive(entryID, &archive.EntryArchive{
			EntryID:  entryID,
			Mainfile: mainfile,
			Run:      map[string]any{"program": "test"},
		}))
		entries = append(entries, &models.Entry{
			EntryID:       entryID,
			UploadID:      uploadID,
			Mainfile:      mainfile,
			ParserName:    "parsers/template",
			ProcessStatus: models.StatusSuccess,
		})
	}
	require.NoError(t, d.state.UpsertEntries(ctx, entries))
	return upload, entries
}

func allIncluded() ExportOptions {
	return ExportOptions{
		IncludeRawFiles:     true,
		IncludeArchiveFiles: true,
		IncludeDatasets:     true,
	}
}

func testImportConfig() ImportConfig {
	return ImportConfig{
		RequiredNomadVersion:             "1.0.0",
		AllowBundlesFromOasis:            true,
		AllowUnpublishedBundlesFromOasis: true,
	}
}

func sourceInfo(deploymentID string) SourceInfo {
	return SourceInfo{Version: "1.2.0", DeploymentID: deploymentID}
}

func TestBundleRoundTripZip(t *testing.T) {
	ctx := context.Background()
	src := createTestDeployment(t)
	upload, entries := createSourceUpload(t, src, "roundtrip_upload")

	bundlePath := filepath.Join(t.TempDir(), "upload.zip")
	exporter := NewExporter(src.fstore, sourceInfo("source-deployment"))
	require.NoError(t, exporter.Export(upload, entries, nil, allIncluded(), Target{ZipPath: bundlePath}))

	dst := createTestDeployment(t)
	importer := NewImporter(dst.state, dst.fstore, testImportConfig(), sourceInfo("target-deployment"))
	imported, err := importer.Import(ctx, bundlePath, nil)
	require.NoError(t, err)

	assert.Equal(t, upload.UploadID, imported.UploadID)
	assert.Equal(t, "bundle fixture", imported.UploadName)
	assert.Equal(t, models.StatusSuccess, imported.ProcessStatus)
	assert.Equal(t, models.ProcessImportBundle, imported.CurrentProcess)

	got, total, err := dst.state.ListEntries(ctx, upload.UploadID, store.EntryQuery{})
	require.NoError(t, err)
	require.EqualValues(t, 2, total)
	for i, e := range got {
		assert.Equal(t, entries[i].EntryID, e.EntryID)
		assert.Equal(t, entries[i].Mainfile, e.Mainfile)
	}

	staging := dst.fstore.StagingFiles(upload.UploadID)
	for _, e := range entries {
		assert.True(t, staging.RawPathIsFile(e.Mainfile))
		doc, err := staging.ReadEntryArchive(e.EntryID)
		require.NoError(t, err)
		assert.Equal(t, "test", doc.Run["program"])
	}
}

func TestBundleRoundTripPublished(t *testing.T) {
	ctx := context.Background()
	src := createTestDeployment(t)
	upload, entries := createSourceUpload(t, src, "published_bundle_upload")

	packEntries := make([]files.PackEntry, 0, len(entries))
	for _, e := range entries {
		packEntries = append(packEntries, files.PackEntry{EntryID: e.EntryID, Mainfile: e.Mainfile})
	}
	staging := src.fstore.StagingFiles(upload.UploadID)
	require.NoError(t, staging.Pack(packEntries, -1))
	now := time.Now().UTC().Truncate(time.Second)
	upload.Published = true
	upload.PublishTime = &now
	require.NoError(t, src.state.SaveUpload(ctx, upload))

	bundleDir := filepath.Join(t.TempDir(), "bundle")
	exporter := NewExporter(src.fstore, sourceInfo("source-deployment"))
	require.NoError(t, exporter.Export(upload, entries, nil, allIncluded(), Target{Dir: bundleDir}))

	dst := createTestDeployment(t)
	importer := NewImporter(dst.state, dst.fstore, testImportConfig(), sourceInfo("target-deployment"))
	imported, err := importer.Import(ctx, bundleDir, nil)
	require.NoError(t, err)

	assert.True(t, imported.Published)
	require.NotNil(t, imported.PublishTime)
	assert.True(t, imported.PublishTime.Equal(now), "publish time is preserved by default")

	pub := dst.fstore.PublicFiles(upload.UploadID)
	require.True(t, pub.Exists())
	for _, e := range entries {
		doc, access, err := pub.ReadArchive(e.EntryID)
		require.NoError(t, err)
		assert.Equal(t, files.AccessPublic, access)
		assert.Equal(t, "test", doc.Run["program"])

		rc, err := pub.OpenRawFile(e.Mainfile, 0, -1, false)
		require.NoError(t, err)
		rc.Close()
	}
}

func TestBundleExportStream(t *testing.T) {
	src := createTestDeployment(t)
	upload, entries := createSourceUpload(t, src, "stream_upload")

	bundlePath := filepath.Join(t.TempDir(), "stream.zip")
	f, err := os.Create(bundlePath)
	require.NoError(t, err)
	exporter := NewExporter(src.fstore, sourceInfo("source-deployment"))
	require.NoError(t, exporter.Export(upload, entries, nil, allIncluded(), Target{Writer: f}))
	require.NoError(t, f.Close())

	srcReader, err := openSource(bundlePath)
	require.NoError(t, err)
	defer srcReader.close()

	info, err := srcReader.readInfo()
	require.NoError(t, err)
	assert.Equal(t, upload.UploadID, info.UploadID)
	assert.Len(t, info.Entries, 2)

	names, err := srcReader.list("raw/")
	require.NoError(t, err)
	assert.Len(t, names, 2)
}

func TestBundleExportMove(t *testing.T) {
	src := createTestDeployment(t)
	upload, entries := createSourceUpload(t, src, "move_upload")

	bundleDir := filepath.Join(t.TempDir(), "bundle")
	exporter := NewExporter(src.fstore, sourceInfo("source-deployment"))
	require.NoError(t, exporter.Export(upload, entries, nil, allIncluded(), Target{Dir: bundleDir, Move: true}))

	staging := src.fstore.StagingFiles(upload.UploadID)
	assert.False(t, staging.RawPathIsFile("calc1/template.json"), "moved files leave the staging area")
	assert.FileExists(t, filepath.Join(bundleDir, "raw", "calc1", "template.json"))
}

func TestBundleTargetValidation(t *testing.T) {
	src := createTestDeployment(t)
	upload, entries := createSourceUpload(t, src, "target_upload")
	exporter := NewExporter(src.fstore, sourceInfo("source-deployment"))

	assert.Error(t, exporter.Export(upload, entries, nil, allIncluded(), Target{}))
	assert.Error(t, exporter.Export(upload, entries, nil, allIncluded(),
		Target{ZipPath: "a.zip", Dir: "b"}))
	assert.Error(t, exporter.Export(upload, entries, nil, allIncluded(),
		Target{ZipPath: "a.zip", Move: true}))
}

func TestImportChecks(t *testing.T) {
	ctx := context.Background()

	exportBundle := func(t *testing.T, mutate func(*Info)) string {
		t.Helper()
		src := createTestDeployment(t)
		upload, entries := createSourceUpload(t, src, "checked_upload")
		bundleDir := filepath.Join(t.TempDir(), "bundle")
		exporter := NewExporter(src.fstore, sourceInfo("source-deployment"))
		require.NoError(t, exporter.Export(upload, entries, nil, allIncluded(), Target{Dir: bundleDir}))

		if mutate != nil {
			dirSrc := &dirSource{root: bundleDir}
			info, err := dirSrc.readInfo()
			require.NoError(t, err)
			mutate(info)
			data, err := json.MarshalIndent(info, "", "  ")
			require.NoError(t, err)
			require.NoError(t, os.WriteFile(filepath.Join(bundleDir, InfoFileName), data, 0644))
		}
		return bundleDir
	}

	importInto := func(t *testing.T, bundleDir string, cfg ImportConfig, settings *ImportSettings) error {
		t.Helper()
		dst := createTestDeployment(t)
		importer := NewImporter(dst.state, dst.fstore, cfg, sourceInfo("target-deployment"))
		_, err := importer.Import(ctx, bundleDir, settings)
		return err
	}

	t.Run("VersionTooOld", func(t *testing.T) {
		dir := exportBundle(t, func(info *Info) { info.Source.Version = "0.9.0" })
		err := importInto(t, dir, testImportConfig(), nil)
		assert.ErrorIs(t, err, ErrVersionTooOld)
	})

	t.Run("MissingUploadRecord", func(t *testing.T) {
		dir := exportBundle(t, func(info *Info) { info.Upload = nil })
		err := importInto(t, dir, testImportConfig(), nil)
		assert.ErrorIs(t, err, ErrInvalidBundle)
	})

	t.Run("UnknownUser", func(t *testing.T) {
		dir := exportBundle(t, func(info *Info) { info.Upload.MainAuthor = "nobody" })
		err := importInto(t, dir, testImportConfig(), nil)
		assert.ErrorIs(t, err, ErrInvalidBundle)
	})

	t.Run("FutureTimestamp", func(t *testing.T) {
		dir := exportBundle(t, func(info *Info) {
			info.Upload.UploadCreateTime = time.Now().Add(time.Hour)
		})
		err := importInto(t, dir, testImportConfig(), nil)
		assert.ErrorIs(t, err, ErrInvalidBundle)
	})

	t.Run("EntryIDMismatch", func(t *testing.T) {
		dir := exportBundle(t, func(info *Info) { info.Entries[0].Mainfile = "tampered.json" })
		err := importInto(t, dir, testImportConfig(), nil)
		assert.ErrorIs(t, err, ErrInvalidBundle)
	})

	t.Run("ProcessingEntry", func(t *testing.T) {
		dir := exportBundle(t, func(info *Info) {
			info.Entries[0].ProcessStatus = models.StatusRunning
		})
		err := importInto(t, dir, testImportConfig(), nil)
		assert.ErrorIs(t, err, ErrInvalidBundle)
	})

	t.Run("OasisNotAllowed", func(t *testing.T) {
		dir := exportBundle(t, nil)
		cfg := testImportConfig()
		cfg.AllowBundlesFromOasis = false
		err := importInto(t, dir, cfg, nil)
		assert.ErrorIs(t, err, ErrImportNotAllowed)
	})

	t.Run("UnpublishedFromOasisNotAllowed", func(t *testing.T) {
		dir := exportBundle(t, nil)
		cfg := testImportConfig()
		cfg.AllowUnpublishedBundlesFromOasis = false
		err := importInto(t, dir, cfg, nil)
		assert.ErrorIs(t, err, ErrImportNotAllowed)
	})

	t.Run("RequestedContentNotInBundle", func(t *testing.T) {
		src := createTestDeployment(t)
		upload, entries := createSourceUpload(t, src, "checked_upload")
		bundleDir := filepath.Join(t.TempDir(), "bundle")
		exporter := NewExporter(src.fstore, sourceInfo("source-deployment"))
		opts := ExportOptions{IncludeArchiveFiles: true}
		require.NoError(t, exporter.Export(upload, entries, nil, opts, Target{Dir: bundleDir}))

		err := importInto(t, bundleDir, testImportConfig(), &ImportSettings{
			IncludeRawFiles: true,
		})
		assert.ErrorIs(t, err, ErrMissingContent)
	})
}

func TestImportRejectsUnsafeMemberPaths(t *testing.T) {
	ctx := context.Background()
	src := createTestDeployment(t)
	upload, entries := createSourceUpload(t, src, "slip_upload")

	bundleDir := filepath.Join(t.TempDir(), "bundle")
	exporter := NewExporter(src.fstore, sourceInfo("source-deployment"))
	require.NoError(t, exporter.Export(upload, entries, nil, allIncluded(), Target{Dir: bundleDir}))
	infoData, err := os.ReadFile(filepath.Join(bundleDir, InfoFileName))
	require.NoError(t, err)

	// A hand-written zip whose raw member climbs out of the upload area.
	base := t.TempDir()
	bundlePath := filepath.Join(base, "evil.zip")
	f, err := os.Create(bundlePath)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create(InfoFileName)
	require.NoError(t, err)
	_, err = w.Write(infoData)
	require.NoError(t, err)
	w, err = zw.Create("raw/../../../../escaped.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("slipped"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	dst := &testDeployment{}
	var dstErr error
	dst.state, dstErr = store.New(&store.Config{
		Type:   store.DatabaseTypeSQLite,
		SQLite: store.SQLiteConfig{Path: ":memory:"},
	})
	require.NoError(t, dstErr)
	t.Cleanup(func() { dst.state.Close() })
	dst.fstore = files.NewStore(files.Config{
		StagingRoot: filepath.Join(base, "staging"),
		PublicRoot:  filepath.Join(base, "public"),
		TmpRoot:     filepath.Join(base, "tmp"),
	})
	require.NoError(t, dst.state.CreateUser(ctx, &models.User{ID: "user-1", Username: "alice"}))

	importer := NewImporter(dst.state, dst.fstore, testImportConfig(), sourceInfo("target"))
	_, err = importer.Import(ctx, bundlePath, nil)
	assert.ErrorIs(t, err, ErrInvalidBundle)

	assert.NoFileExists(t, filepath.Join(base, "escaped.txt"))
	assert.NoFileExists(t, filepath.Join(filepath.Dir(base), "escaped.txt"))
}

func TestImportDatasets(t *testing.T) {
	ctx := context.Background()

	buildBundle := func(t *testing.T, ds *models.Dataset) string {
		t.Helper()
		src := createTestDeployment(t)
		require.NoError(t, src.state.CreateDataset(ctx, ds))
		upload, entries := createSourceUpload(t, src, "dataset_upload")
		entries[0].Datasets = models.StringSlice{ds.DatasetID}
		require.NoError(t, src.state.UpsertEntries(ctx, entries[:1]))

		bundleDir := filepath.Join(t.TempDir(), "bundle")
		exporter := NewExporter(src.fstore, sourceInfo("source-deployment"))
		require.NoError(t, exporter.Export(upload, entries, []*models.Dataset{ds},
			allIncluded(), Target{Dir: bundleDir}))
		return bundleDir
	}

	t.Run("CreatesNewDataset", func(t *testing.T) {
		ds := &models.Dataset{DatasetID: "ds-1", DatasetName: "my data", UserID: "user-1"}
		dir := buildBundle(t, ds)

		dst := createTestDeployment(t)
		importer := NewImporter(dst.state, dst.fstore, testImportConfig(), sourceInfo("target"))
		_, err := importer.Import(ctx, dir, nil)
		require.NoError(t, err)

		got, err := dst.state.GetDataset(ctx, "ds-1")
		require.NoError(t, err)
		assert.Equal(t, "my data", got.DatasetName)
	})

	t.Run("ReusesDatasetOfSameOwner", func(t *testing.T) {
		ds := &models.Dataset{DatasetID: "ds-1", DatasetName: "my data", UserID: "user-1"}
		dir := buildBundle(t, ds)

		dst := createTestDeployment(t)
		require.NoError(t, dst.state.CreateDataset(ctx, &models.Dataset{
			DatasetID: "local-ds", DatasetName: "my data", UserID: "user-1",
		}))
		importer := NewImporter(dst.state, dst.fstore, testImportConfig(), sourceInfo("target"))
		_, err := importer.Import(ctx, dir, nil)
		require.NoError(t, err)

		entry, err := dst.state.GetEntry(ctx, ids.EntryID("dataset_upload", "calc1/template.json"))
		require.NoError(t, err)
		assert.Equal(t, models.StringSlice{"local-ds"}, entry.Datasets)

		_, err = dst.state.GetDataset(ctx, "ds-1")
		assert.ErrorIs(t, err, models.ErrDatasetNotFound)
	})

	t.Run("RejectsDatasetOfOtherOwner", func(t *testing.T) {
		ds := &models.Dataset{DatasetID: "ds-1", DatasetName: "my data", UserID: "user-1"}
		dir := buildBundle(t, ds)

		dst := createTestDeployment(t)
		require.NoError(t, dst.state.CreateUser(ctx, &models.User{ID: "user-2", Username: "bob"}))
		require.NoError(t, dst.state.CreateDataset(ctx, &models.Dataset{
			DatasetID: "other-ds", DatasetName: "my data", UserID: "user-2",
		}))
		importer := NewImporter(dst.state, dst.fstore, testImportConfig(), sourceInfo("target"))
		_, err := importer.Import(ctx, dir, nil)
		assert.ErrorIs(t, err, ErrInvalidBundle)
	})
}

func TestImportRollback(t *testing.T) {
	ctx := context.Background()
	src := createTestDeployment(t)
	upload, entries := createSourceUpload(t, src, "rollback_upload")

	bundleDir := filepath.Join(t.TempDir(), "bundle")
	exporter := NewExporter(src.fstore, sourceInfo("source-deployment"))
	require.NoError(t, exporter.Export(upload, entries, nil, allIncluded(), Target{Dir: bundleDir}))

	// A directory squatting on a raw file's target path makes the file
	// copy step fail while all checks still pass.
	blockTarget := func(t *testing.T, dst *testDeployment) {
		t.Helper()
		staging := dst.fstore.StagingFiles(upload.UploadID)
		require.NoError(t, staging.EnsureDirs())
		require.NoError(t, os.MkdirAll(
			filepath.Join(staging.RawDir(), "calc1", "template.json"), 0755))
	}

	dst := createTestDeployment(t)
	blockTarget(t, dst)
	importer := NewImporter(dst.state, dst.fstore, testImportConfig(), sourceInfo("target"))
	_, err := importer.Import(ctx, bundleDir, nil)
	require.Error(t, err)

	_, err = dst.state.GetUpload(ctx, upload.UploadID)
	assert.ErrorIs(t, err, models.ErrUploadNotFound, "failed import rolls the upload back")
	assert.False(t, dst.fstore.StagingExists(upload.UploadID))

	t.Run("RetainsUploadWhenConfigured", func(t *testing.T) {
		dst := createTestDeployment(t)
		blockTarget(t, dst)
		importer := NewImporter(dst.state, dst.fstore, testImportConfig(), sourceInfo("target"))
		settings := importer.cfg.DefaultSettings
		settings.DeleteUploadOnFail = false
		_, err := importer.Import(ctx, bundleDir, &settings)
		require.Error(t, err)

		_, err = dst.state.GetUpload(ctx, upload.UploadID)
		assert.NoError(t, err)
	})
}

func TestImportFreshTimestamps(t *testing.T) {
	ctx := context.Background()
	src := createTestDeployment(t)
	upload, entries := createSourceUpload(t, src, "timestamps_upload")
	old := time.Now().Add(-24 * time.Hour).UTC()
	upload.UploadCreateTime = old
	require.NoError(t, src.state.SaveUpload(ctx, upload))

	bundleDir := filepath.Join(t.TempDir(), "bundle")
	exporter := NewExporter(src.fstore, sourceInfo("source-deployment"))
	require.NoError(t, exporter.Export(upload, entries, nil, allIncluded(), Target{Dir: bundleDir}))

	dst := createTestDeployment(t)
	importer := NewImporter(dst.state, dst.fstore, testImportConfig(), sourceInfo("target"))
	settings := importer.cfg.DefaultSettings
	settings.KeepOriginalTimestamps = false
	imported, err := importer.Import(ctx, bundleDir, &settings)
	require.NoError(t, err)

	assert.True(t, imported.UploadCreateTime.After(old.Add(time.Hour)),
		"create time is reset to the import time")
}
