package cli

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/recative/polyv/upload"
	"github.com/recative/polyv/vod"
)

var (
	uploadTitle  string
	uploadTag    string
	uploadCataID int64
	uploadUserID string
	uploadSecret string
	uploadToken  string
)

var uploadCmd = &cobra.Command{
	Use:   "upload [files...]",
	Short: "Upload video files to the platform",
	Long: `Upload queues the given files and runs them through the bounded
upload pool, resuming interrupted transfers chunk by chunk. Progress is
reported on stderr-safe single lines; the final table lists the video id the
platform assigned to each file.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runUpload,
}

func init() {
	uploadCmd.Flags().StringVar(&uploadTitle, "title", "", "video title (single-file uploads only)")
	uploadCmd.Flags().StringVar(&uploadTag, "tag", "", "tag attached to every uploaded video")
	uploadCmd.Flags().Int64Var(&uploadCataID, "cataid", 0, "target category id")
	uploadCmd.Flags().StringVar(&uploadUserID, "userid", "", "platform user id (overrides config)")
	uploadCmd.Flags().StringVar(&uploadSecret, "secret-key", "", "platform secret key (overrides config)")
	uploadCmd.Flags().StringVar(&uploadToken, "write-token", "", "platform write token (overrides config)")
	rootCmd.AddCommand(uploadCmd)
}

func runUpload(cmd *cobra.Command, args []string) error {
	if uploadUserID != "" {
		cfg.UserID = uploadUserID
	}
	if uploadSecret != "" {
		cfg.SecretKey = uploadSecret
	}
	if uploadToken != "" {
		cfg.WriteToken = uploadToken
	}

	// Prompt for the secret rather than failing when running interactively.
	if cfg.SecretKey == "" && term.IsTerminal(0) {
		fmt.Print("Please input the account secret key: ")
		pwd, _ := term.ReadPassword(0)
		fmt.Println()
		cfg.SecretKey = strings.TrimSpace(string(pwd))
	}
	if err := cfg.ValidateCredentials(); err != nil {
		return err
	}

	client, err := buildClient()
	if err != nil {
		return err
	}

	if len(args) > 1 && uploadTitle != "" {
		log.Warn().Msg("--title applies to single-file uploads only, ignoring")
	}

	prog := newBoard()
	tasks := make(map[string]upload.Task, len(args))
	for _, path := range args {
		spec, err := vod.FileSpecFromPath(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		data := &upload.FileData{Tag: uploadTag, CataID: uploadCataID}
		if len(args) == 1 {
			data.Title = uploadTitle
		}
		task, err := client.Manager.AddFile(spec, upload.FileEvents{}, data)
		if err != nil {
			return err
		}
		tasks[task.ID()] = task
		prog.add(task.ID(), spec.Name, spec.Size)
	}

	off := prog.watch(client.Manager)
	defer off()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Int("files", len(args)).Int("limit", client.Config.Limit()).Msg("starting upload batch")
	client.Manager.StartAll()

	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()

	interrupted := false
loop:
	for {
		select {
		case <-ctx.Done():
			client.Manager.StopAll()
			interrupted = true
			break loop
		case <-tick.C:
		}
		prog.sync(client.Manager.Files())
		prog.render()
		if prog.settled() && client.Manager.Mode() == upload.ModeNotStarted {
			break
		}
	}
	prog.sync(client.Manager.Files())

	ok := prog.summary(func(id string) string {
		if v, found := tasks[id].(interface{ VID() string }); found {
			return v.VID()
		}
		return ""
	})
	if interrupted {
		return errors.New("upload interrupted")
	}
	if !ok {
		return errors.New("some uploads did not finish")
	}
	return nil
}
