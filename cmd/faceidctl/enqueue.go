package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/your-org/faceid/internal/ingest"
	"github.com/your-org/faceid/internal/models"
	"github.com/your-org/faceid/internal/queue"
	"github.com/your-org/faceid/pkg/dto"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <file.json>",
	Short: "Queue registrations from a JSON file for the ingest worker",
	Long: `Reads a JSON array of registration requests (or a single object) and
publishes each valid one to the ingest stream. Invalid records are reported
and skipped.

Examples:
  faceidctl enqueue batch.json
  faceidctl enqueue --dry-run batch.json`,
	Args: cobra.ExactArgs(1),
	RunE: runEnqueue,
}

func init() {
	rootCmd.AddCommand(enqueueCmd)
	enqueueCmd.Flags().Bool("dry-run", false, "Validate only, publish nothing")
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	dryRun, err := cmd.Flags().GetBool("dry-run")
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read %s: %w", args[0], err)
	}
	records, err := splitRecords(data)
	if err != nil {
		return err
	}

	var producer *queue.Producer
	if !dryRun {
		if !cfg.NATS.Enabled {
			return errors.New("nats is not enabled in config")
		}
		producer, err = queue.NewProducer(cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("connect to nats: %w", err)
		}
		defer producer.Close()
		if err := producer.EnsureStreams(cmd.Context()); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	var queued, skipped int
	for i, raw := range records {
		var req dto.RegisterPersonRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			fmt.Fprintf(out, "record %d: %v\n", i, err)
			skipped++
			continue
		}
		if _, err := ingest.ParseRegistration(req, cfg.Ingest.CodeRemap); err != nil {
			fmt.Fprintf(out, "record %d: %v\n", i, err)
			skipped++
			continue
		}
		if dryRun {
			queued++
			continue
		}

		task := models.IngestTask{TaskID: uuid.New(), SubmittedAt: time.Now().UTC(), Payload: raw}
		if err := producer.PublishIngest(cmd.Context(), task); err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
		queued++
	}

	fmt.Fprintf(out, "queued %d, skipped %d\n", queued, skipped)
	return nil
}

// splitRecords accepts either a JSON array or a single JSON object.
func splitRecords(data []byte) ([]json.RawMessage, error) {
	var records []json.RawMessage
	if err := json.Unmarshal(data, &records); err == nil {
		return records, nil
	}
	var single json.RawMessage
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, fmt.Errorf("parse registrations: %w", err)
	}
	return []json.RawMessage{single}, nil
}
