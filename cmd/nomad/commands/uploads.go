package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nomad-lab/nomad-core/internal/cli/output"
	"github.com/nomad-lab/nomad-core/internal/logger"
	"github.com/nomad-lab/nomad-core/pkg/config"
	"github.com/nomad-lab/nomad-core/pkg/state/models"
	"github.com/nomad-lab/nomad-core/pkg/state/store"
)

var (
	uploadsOutput    string
	uploadsStatus    string
	uploadsPublished bool
	uploadsStaging   bool
	uploadsPage      int
	uploadsPageSize  int
	deleteForce      bool
)

var uploadsCmd = &cobra.Command{
	Use:   "uploads",
	Short: "Inspect and maintain uploads",
	Long: `Inspect and maintain uploads directly against the local deployment.

These commands operate on the configured database and file areas without
going through the HTTP API. They are meant for operators; access checks
are bypassed.`,
}

var uploadsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List uploads",
	RunE:  runUploadsList,
}

var uploadsReprocessCmd = &cobra.Command{
	Use:   "reprocess <upload-id>",
	Short: "Run processing again for an upload",
	Long: `Run processing again for an upload and wait for it to finish.

The command starts a local scheduler, enqueues the upload, and blocks
until processing reaches a terminal status. Do not run it while a server
is running against the same queue directory.`,
	Args: cobra.ExactArgs(1),
	RunE: runUploadsReprocess,
}

var uploadsDeleteCmd = &cobra.Command{
	Use:   "delete <upload-id>",
	Short: "Delete an upload and all its files",
	Args:  cobra.ExactArgs(1),
	RunE:  runUploadsDelete,
}

func init() {
	uploadsCmd.PersistentFlags().StringVarP(&uploadsOutput, "output", "o", "table", "Output format (table, json, yaml)")

	uploadsListCmd.Flags().StringVar(&uploadsStatus, "status", "", "Filter by process status (READY, RUNNING, SUCCESS, FAILURE, ...)")
	uploadsListCmd.Flags().BoolVar(&uploadsPublished, "published", false, "Show only published uploads")
	uploadsListCmd.Flags().BoolVar(&uploadsStaging, "staging", false, "Show only unpublished uploads")
	uploadsListCmd.Flags().IntVar(&uploadsPage, "page", 1, "Page number")
	uploadsListCmd.Flags().IntVar(&uploadsPageSize, "page-size", 50, "Uploads per page")

	uploadsDeleteCmd.Flags().BoolVarP(&deleteForce, "force", "f", false, "Skip confirmation prompt")

	uploadsCmd.AddCommand(uploadsListCmd)
	uploadsCmd.AddCommand(uploadsReprocessCmd)
	uploadsCmd.AddCommand(uploadsDeleteCmd)
}

// operator is the implicit admin identity of local maintenance commands.
var operator = &models.User{
	ID:       "operator",
	Username: "operator",
	Role:     string(models.RoleAdmin),
}

// uploadTable renders uploads for the list command.
type uploadTable struct {
	uploads []*models.Upload
}

func (t *uploadTable) Headers() []string {
	return []string{"ID", "Name", "Author", "Status", "Published", "Created"}
}

func (t *uploadTable) Rows() [][]string {
	rows := make([][]string, 0, len(t.uploads))
	for _, u := range t.uploads {
		name := u.UploadName
		if name == "" {
			name = "-"
		}
		rows = append(rows, []string{
			u.UploadID,
			name,
			u.MainAuthor,
			string(u.ProcessStatus),
			fmt.Sprintf("%t", u.Published),
			u.UploadCreateTime.Format(time.RFC3339),
		})
	}
	return rows
}

func runUploadsList(cmd *cobra.Command, args []string) error {
	format, err := output.ParseFormat(uploadsOutput)
	if err != nil {
		return err
	}

	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	state, err := store.New(&cfg.Database)
	if err != nil {
		return err
	}
	defer state.Close()

	query := store.UploadQuery{
		ProcessStatus: models.ProcessStatus(strings.ToUpper(uploadsStatus)),
		Page:          uploadsPage,
		PageSize:      uploadsPageSize,
	}
	if uploadsPublished {
		published := true
		query.Published = &published
	} else if uploadsStaging {
		published := false
		query.Published = &published
	}

	uploads, total, err := state.ListUploads(cmd.Context(), query)
	if err != nil {
		return err
	}

	if format != output.FormatTable {
		return output.Print(os.Stdout, format, uploads, "")
	}
	if err := output.Print(os.Stdout, format, &uploadTable{uploads: uploads}, "No uploads found."); err != nil {
		return err
	}
	if total > int64(len(uploads)) {
		fmt.Printf("\nShowing %d of %d uploads.\n", len(uploads), total)
	}
	return nil
}

func runUploadsReprocess(cmd *cobra.Command, args []string) error {
	uploadID := args[0]

	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}

	core, err := config.BuildCore(cfg)
	if err != nil {
		return err
	}
	defer core.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := core.Scheduler.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = core.Scheduler.Stop() }()

	if err := core.Controller.Reprocess(ctx, operator, uploadID); err != nil {
		return err
	}

	fmt.Printf("Reprocessing %s...\n", uploadID)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("interrupted while waiting for %s", uploadID)
		case <-ticker.C:
			upload, err := core.State.GetUpload(ctx, uploadID)
			if err != nil {
				return err
			}
			if !upload.ProcessStatus.IsTerminal() {
				continue
			}
			fmt.Printf("Upload %s finished with status %s\n", uploadID, upload.ProcessStatus)
			if upload.ProcessStatus == models.StatusFailure {
				return fmt.Errorf("processing failed: %s", upload.LastStatusMessage)
			}
			return nil
		}
	}
}

func runUploadsDelete(cmd *cobra.Command, args []string) error {
	uploadID := args[0]

	if !deleteForce {
		fmt.Printf("Delete upload %q and all its files? [y/N]: ", uploadID)
		reader := bufio.NewReader(os.Stdin)
		answer, _ := reader.ReadString('\n')
		if a := strings.ToLower(strings.TrimSpace(answer)); a != "y" && a != "yes" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	core, err := config.BuildCore(cfg)
	if err != nil {
		return err
	}
	defer core.Close()

	if err := core.Controller.Delete(cmd.Context(), operator, uploadID); err != nil {
		return err
	}

	fmt.Printf("Upload %s deleted.\n", uploadID)
	return nil
}
