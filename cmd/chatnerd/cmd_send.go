package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"chatnerd/internal/lifecycle"
	"chatnerd/internal/orchestrator"
	"chatnerd/internal/responder"
	"chatnerd/internal/types"
)

var (
	sendWorker  string
	sendFile    string
	sendImage   string
	sendMode    string
	sendTimeout time.Duration
)

// sendCmd sends outbound messages through one worker
var sendCmd = &cobra.Command{
	Use:   "send [phone[,phone...]] [text...]",
	Short: "Send messages through a worker",
	Long: `Brings up the account's workers, waits until the chosen worker is ready and
sends through it.

  chatnerd send 5511999999999 "hello"              one message
  chatnerd send 5511999999999 "hi" "how are you?"  paced messages
  chatnerd send 5511999999999 --file report.pdf    a file
  chatnerd send 5511...,5521... "promo" --image promo.png --mode textThenImage`,
	Args: cobra.MinimumNArgs(1),
	RunE: sendMessages,
}

func init() {
	sendCmd.Flags().StringVarP(&sendWorker, "worker", "w", types.WorkerName(0), "Worker to send through")
	sendCmd.Flags().StringVar(&sendFile, "file", "", "Send a file instead of text")
	sendCmd.Flags().StringVar(&sendImage, "image", "", "Image for bulk sends")
	sendCmd.Flags().StringVar(&sendMode, "mode", string(responder.BulkText), "Bulk mode: text, textThenImage, imageThenText")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 5*time.Minute, "Give up when the worker is not ready in time")
}

func sendMessages(cmd *cobra.Command, args []string) error {
	phones := splitPhones(args[0])
	texts := args[1:]
	if len(phones) == 0 {
		return fmt.Errorf("no recipient given")
	}
	if sendFile == "" && len(texts) == 0 {
		return fmt.Errorf("nothing to send: give text or --file")
	}
	mode, err := responder.ParseBulkMode(sendMode)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	m, err := orchestrator.New(ctx, orchestrator.Options{Config: cfg})
	if err != nil {
		return err
	}
	defer m.Close()

	w, ok := m.Worker(sendWorker)
	if !ok {
		return fmt.Errorf("unknown worker %q (account has %d)", sendWorker, cfg.Workers)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- m.Run(runCtx) }()
	defer func() {
		cancel()
		<-done
	}()

	if err := awaitReady(ctx, w, sendTimeout); err != nil {
		return err
	}

	switch {
	case len(phones) > 1 || sendImage != "":
		results, err := w.SendBulk(ctx, phones, strings.Join(texts, "\n"), sendImage, mode)
		for _, r := range results {
			if r.Err != nil {
				logger.Warn("bulk send failed", zap.String("phone", r.Phone), zap.Error(r.Err))
			} else {
				logger.Info("sent", zap.String("phone", r.Phone))
			}
		}
		return err
	case sendFile != "":
		if err := w.SendFile(ctx, phones[0], sendFile); err != nil {
			return err
		}
		if len(texts) > 0 {
			return w.SendMessages(ctx, phones[0], texts)
		}
		return nil
	case len(texts) == 1:
		return w.Send(ctx, phones[0], texts[0])
	default:
		return w.SendMessages(ctx, phones[0], texts)
	}
}

// awaitReady blocks until w has authenticated or failed, then reports whether it is usable.
func awaitReady(ctx context.Context, w *orchestrator.Worker, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.Settled():
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%s not ready after %s", w.Identity(), timeout)
	}
	if st := w.Status(); st.State != types.StateReady {
		return fmt.Errorf("%s is %s: %w", w.Identity(), st.State, lifecycle.ErrNotReady)
	}
	return nil
}

func splitPhones(arg string) []string {
	var out []string
	for _, p := range strings.Split(arg, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
