// Package local is a filesystem-backed review provider for repositories
// without a hosting integration. Change requests are JSON files under
// prloom/.local/crs/; feedback arrives as JSONL lines anyone can append, so
// a human (or a test) plays the reviewer by editing files.
package local

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/kastheco/prloom/review"
)

// BotLogin is the author name the local provider stamps on its own posts.
const BotLogin = "prloom"

func init() {
	review.RegisterProvider("local", func(repoRoot string) (review.Provider, error) {
		return New(repoRoot), nil
	})
}

// crRecord is the on-disk shape of one change request.
type crRecord struct {
	Number int    `json:"number"`
	Branch string `json:"branch"`
	Base   string `json:"base"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	Draft  bool   `json:"draft"`
	State  string `json:"state"` // open, merged, closed
}

// Provider implements review.Provider on the local filesystem.
type Provider struct {
	dir string
	mu  sync.Mutex
}

// New returns a provider rooted at repoRoot.
func New(repoRoot string) *Provider {
	return &Provider{dir: filepath.Join(repoRoot, "prloom", ".local", "crs")}
}

func (p *Provider) crFile(number int) string {
	return filepath.Join(p.dir, fmt.Sprintf("cr-%d.json", number))
}

func (p *Provider) feedbackFile(number int, category string) string {
	return filepath.Join(p.dir, fmt.Sprintf("cr-%d.%s.jsonl", number, category))
}

func (p *Provider) load(number int) (*crRecord, error) {
	data, err := os.ReadFile(p.crFile(number))
	if err != nil {
		return nil, fmt.Errorf("load CR %d: %w", number, err)
	}
	var rec crRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse CR %d: %w", number, err)
	}
	return &rec, nil
}

func (p *Provider) save(rec *crRecord) error {
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(p.crFile(rec.Number), append(data, '\n'), 0o644)
}

// nextNumber scans existing CR files for the highest number.
func (p *Provider) nextNumber() int {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return 1
	}
	max := 0
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "cr-") || !strings.HasSuffix(name, ".json") || strings.Count(name, ".") > 1 {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "cr-"), ".json"))
		if err == nil && n > max {
			max = n
		}
	}
	return max + 1
}

// CreateDraftCR implements review.Provider.
func (p *Provider) CreateDraftCR(_ context.Context, branch, base, title, body string) (review.CR, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec := &crRecord{
		Number: p.nextNumber(),
		Branch: branch,
		Base:   base,
		Title:  title,
		Body:   body,
		Draft:  true,
		State:  "open",
	}
	if err := p.save(rec); err != nil {
		return review.CR{}, err
	}
	return review.CR{Number: rec.Number, URL: "file://" + p.crFile(rec.Number), Draft: true}, nil
}

// UpdateCRBody implements review.Provider.
func (p *Provider) UpdateCRBody(_ context.Context, number int, body string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, err := p.load(number)
	if err != nil {
		return err
	}
	rec.Body = body
	return p.save(rec)
}

// MarkReady implements review.Provider.
func (p *Provider) MarkReady(_ context.Context, number int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, err := p.load(number)
	if err != nil {
		return err
	}
	rec.Draft = false
	return p.save(rec)
}

// CRStatus implements review.Provider.
func (p *Provider) CRStatus(_ context.Context, number int) (review.CRState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, err := p.load(number)
	if err != nil {
		return "", err
	}
	switch rec.State {
	case "merged":
		return review.StateMerged, nil
	case "closed":
		return review.StateClosed, nil
	}
	if rec.Draft {
		return review.StateDraft, nil
	}
	return review.StateOpen, nil
}

// FetchFeedback implements review.Provider.
func (p *Provider) FetchFeedback(_ context.Context, number int) (review.Feedback, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var f review.Feedback
	if err := readJSONL(p.feedbackFile(number, "comments"), func(raw json.RawMessage) error {
		var c review.Comment
		if err := json.Unmarshal(raw, &c); err != nil {
			return err
		}
		f.Comments = append(f.Comments, c)
		return nil
	}); err != nil {
		return f, err
	}
	if err := readJSONL(p.feedbackFile(number, "reviews"), func(raw json.RawMessage) error {
		var r review.Review
		if err := json.Unmarshal(raw, &r); err != nil {
			return err
		}
		f.Reviews = append(f.Reviews, r)
		return nil
	}); err != nil {
		return f, err
	}
	if err := readJSONL(p.feedbackFile(number, "inline"), func(raw json.RawMessage) error {
		var ic review.InlineComment
		if err := json.Unmarshal(raw, &ic); err != nil {
			return err
		}
		f.InlineComments = append(f.InlineComments, ic)
		return nil
	}); err != nil {
		return f, err
	}
	sort.Slice(f.Comments, func(i, j int) bool { return f.Comments[i].ID < f.Comments[j].ID })
	return f, nil
}

// PostComment implements review.Provider.
func (p *Provider) PostComment(_ context.Context, number int, body string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, err := p.maxFeedbackID(number)
	if err != nil {
		return err
	}
	return appendJSONL(p.feedbackFile(number, "comments"),
		review.Comment{ID: id + 1, Author: BotLogin, Body: body})
}

// SubmitReview implements review.Provider. The review and its inline
// comments land in one pass, matching the atomic-submit contract.
func (p *Provider) SubmitReview(_ context.Context, number int, sub Submission) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, err := p.maxFeedbackID(number)
	if err != nil {
		return err
	}
	id++
	if err := appendJSONL(p.feedbackFile(number, "reviews"),
		review.Review{ID: id, Author: BotLogin, Verdict: sub.Verdict, Body: sub.Summary}); err != nil {
		return err
	}
	for _, ic := range sub.Comments {
		id++
		ic.ID = id
		ic.Author = BotLogin
		if err := appendJSONL(p.feedbackFile(number, "inline"), ic); err != nil {
			return err
		}
	}
	return nil
}

// Submission aliases review.Submission so the interface matches.
type Submission = review.Submission

// BotLogin implements review.Provider.
func (p *Provider) BotLogin(_ context.Context) (string, error) {
	return BotLogin, nil
}

// SetState flips a CR to merged/closed/open. Not part of review.Provider;
// tests and humans use it to simulate the hosting side.
func (p *Provider) SetState(number int, state string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, err := p.load(number)
	if err != nil {
		return err
	}
	rec.State = state
	return p.save(rec)
}

// maxFeedbackID finds the highest id across all three categories so new
// posts keep ids monotonic.
func (p *Provider) maxFeedbackID(number int) (int64, error) {
	var max int64
	for _, cat := range []string{"comments", "reviews", "inline"} {
		err := readJSONL(p.feedbackFile(number, cat), func(raw json.RawMessage) error {
			var probe struct {
				ID int64 `json:"id"`
			}
			if err := json.Unmarshal(raw, &probe); err != nil {
				return err
			}
			if probe.ID > max {
				max = probe.ID
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
	}
	return max, nil
}

func readJSONL(path string, fn func(json.RawMessage) error) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if err := fn(json.RawMessage(line)); err != nil {
			return err
		}
	}
	return nil
}

func appendJSONL(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	line, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}
