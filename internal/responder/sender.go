package responder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"chatnerd/internal/conduit"
	"chatnerd/internal/logging"
	"chatnerd/internal/similarity"
)

// ErrNoContact means the contact search returned no titles.
var ErrNoContact = errors.New("no contact matches")

// BulkMode orders text and image in a bulk send.
type BulkMode string

const (
	BulkText          BulkMode = "text"
	BulkTextThenImage BulkMode = "textThenImage"
	BulkImageThenText BulkMode = "imageThenText"
)

// ParseBulkMode validates a mode name. Empty means text only.
func ParseBulkMode(s string) (BulkMode, error) {
	switch m := BulkMode(s); m {
	case "":
		return BulkText, nil
	case BulkText, BulkTextThenImage, BulkImageThenText:
		return m, nil
	}
	return "", fmt.Errorf("unknown bulk mode %q (valid: %s, %s, %s)", s, BulkText, BulkTextThenImage, BulkImageThenText)
}

// SenderOptions tunes outbound pacing.
type SenderOptions struct {
	// SendInterval is the minimum spacing between paced sends.
	SendInterval time.Duration
	// SearchWait is how long contact search results get to settle.
	SearchWait time.Duration
}

// Sender performs outbound page steps on one session's conduit. Its methods are
// multi-step sequences and must not run concurrently with other page sequences.
type Sender struct {
	c       conduit.Conduit
	sel     conduit.Selectors
	opts    SenderOptions
	limiter *rate.Limiter
}

// NewSender binds a sender to a conduit.
func NewSender(c conduit.Conduit, sel conduit.Selectors, opts SenderOptions) *Sender {
	if opts.SendInterval <= 0 {
		opts.SendInterval = 3 * time.Second
	}
	if opts.SearchWait <= 0 {
		opts.SearchWait = 3 * time.Second
	}
	return &Sender{
		c:       c,
		sel:     sel,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Every(opts.SendInterval), 1),
	}
}

// Reply sends text in the open chat.
func (s *Sender) Reply(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return errors.New("empty message")
	}
	if err := s.c.Type(ctx, s.sel.Composer, text); err != nil {
		return fmt.Errorf("type message: %w", err)
	}
	if err := s.c.Press(ctx, "enter"); err != nil {
		logging.ResponderDebug("enter failed, clicking send: %v", err)
		if clickErr := s.c.Click(ctx, s.sel.SendButton); clickErr != nil {
			return fmt.Errorf("send message: %w", errors.Join(err, clickErr))
		}
	}
	return nil
}

// OpenChat searches the contact and opens the result whose title is closest to
// query. It returns the chosen title.
func (s *Sender) OpenChat(ctx context.Context, query string) (string, error) {
	if err := s.c.Click(ctx, s.sel.NewChat); err != nil {
		return "", fmt.Errorf("open new chat: %w", err)
	}
	if err := s.c.Type(ctx, s.sel.SearchBox, query); err != nil {
		return "", fmt.Errorf("search contact: %w", err)
	}
	if err := sleep(ctx, s.opts.SearchWait); err != nil {
		return "", err
	}

	titles, err := s.c.ReadAttributes(ctx, s.sel.ContactTitle, "title")
	if err != nil {
		return "", fmt.Errorf("read search results: %w", err)
	}
	best, ok := bestTitle(query, titles)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrNoContact, query)
	}
	logging.ResponderDebug("contact %q resolved to %q among %d results", query, best, len(titles))

	if err := s.c.Click(ctx, conduit.ByTitle(s.sel.ContactTitle, best)); err != nil {
		return "", fmt.Errorf("open contact %q: %w", best, err)
	}
	return best, nil
}

// bestTitle picks the title with the smallest edit distance to query; the first wins ties.
func bestTitle(query string, titles []string) (string, bool) {
	best, bestDist := "", -1
	for _, t := range titles {
		if t == "" {
			continue
		}
		d := similarity.LevenshteinDistance(query, t)
		if bestDist < 0 || d < bestDist {
			best, bestDist = t, d
		}
	}
	return best, bestDist >= 0
}

// SendTo opens the contact and sends one message.
func (s *Sender) SendTo(ctx context.Context, phone, text string) error {
	if _, err := s.OpenChat(ctx, phone); err != nil {
		return err
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	return s.Reply(ctx, text)
}

// SendMessages opens the contact once and sends texts in order, spaced by SendInterval.
func (s *Sender) SendMessages(ctx context.Context, phone string, texts []string) error {
	if _, err := s.OpenChat(ctx, phone); err != nil {
		return err
	}
	for i, text := range texts {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := s.Reply(ctx, text); err != nil {
			return fmt.Errorf("message %d/%d: %w", i+1, len(texts), err)
		}
	}
	logging.Responder("sent %d messages to %s", len(texts), phone)
	return nil
}

// SendFile opens the contact and sends a local file.
func (s *Sender) SendFile(ctx context.Context, phone, path string) error {
	abs, err := checkFile(path)
	if err != nil {
		return err
	}
	if _, err := s.OpenChat(ctx, phone); err != nil {
		return err
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	return s.attach(ctx, abs)
}

func (s *Sender) attach(ctx context.Context, abs string) error {
	if err := s.c.Click(ctx, s.sel.AttachButton); err != nil {
		return fmt.Errorf("open attachments: %w", err)
	}
	if err := s.c.UploadFile(ctx, s.sel.FileInput, abs); err != nil {
		return fmt.Errorf("upload %s: %w", filepath.Base(abs), err)
	}
	if err := s.c.Click(ctx, s.sel.SendButton); err != nil {
		return fmt.Errorf("send file: %w", err)
	}
	return nil
}

// BulkResult is the outcome for one recipient.
type BulkResult struct {
	Phone string
	Err   error
}

// SendBulk sends text and, depending on mode, an image to every recipient.
// A failure is recorded and the next recipient is tried.
func (s *Sender) SendBulk(ctx context.Context, phones []string, text, imagePath string, mode BulkMode) ([]BulkResult, error) {
	var abs string
	if mode != BulkText {
		var err error
		if abs, err = checkFile(imagePath); err != nil {
			return nil, err
		}
	}

	results := make([]BulkResult, 0, len(phones))
	for _, phone := range phones {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		err := s.bulkOne(ctx, phone, text, abs, mode)
		if err != nil {
			logging.ResponderError("bulk send to %s failed: %v", phone, err)
		}
		results = append(results, BulkResult{Phone: phone, Err: err})
	}
	return results, nil
}

func (s *Sender) bulkOne(ctx context.Context, phone, text, abs string, mode BulkMode) error {
	if _, err := s.OpenChat(ctx, phone); err != nil {
		return err
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	switch mode {
	case BulkTextThenImage:
		if err := s.Reply(ctx, text); err != nil {
			return err
		}
		return s.attach(ctx, abs)
	case BulkImageThenText:
		if err := s.attach(ctx, abs); err != nil {
			return err
		}
		return s.Reply(ctx, text)
	default:
		return s.Reply(ctx, text)
	}
}

func checkFile(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("file to send: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("file to send: %s is a directory", path)
	}
	return abs, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
