// Package webhook turns GitHub push deliveries into deployment jobs.
// Each delivery is HMAC-verified, matched against the repository
// bindings, and fanned out to one job per target host.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JasSra/henchmen/internal/config"
	"github.com/JasSra/henchmen/internal/db"
	"github.com/JasSra/henchmen/internal/metrics"
	"github.com/JasSra/henchmen/internal/store"
)

// signaturePrefix is the scheme GitHub prepends to the hex digest in the
// X-Hub-Signature-256 header.
const signaturePrefix = "sha256="

// branchRefPrefix identifies branch pushes; tag pushes carry refs/tags/.
const branchRefPrefix = "refs/heads/"

// ErrSignatureInvalid is returned when the delivery's HMAC does not match
// the shared secret. The delivery must be rejected with no side effects.
var ErrSignatureInvalid = errors.New("webhook: signature verification failed")

// Submitter enqueues a job. Implemented by the dispatcher.
type Submitter interface {
	Submit(ctx context.Context, job *db.Job, trigger string) error
}

// pushEvent is the subset of the GitHub push payload the translator
// consumes.
type pushEvent struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	HeadCommit struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	} `json:"head_commit"`
	Pusher struct {
		Name string `json:"name"`
	} `json:"pusher"`
}

// jobPayload is what gets stored on each created job, round-tripped to
// API readers unchanged.
type jobPayload struct {
	App           string `json:"app,omitempty"`
	Repository    string `json:"repository"`
	Branch        string `json:"branch"`
	Commit        string `json:"commit"`
	CommitMessage string `json:"commit_message,omitempty"`
	Pusher        string `json:"pusher,omitempty"`
	Trigger       string `json:"trigger"`
}

// Translator verifies and translates webhook deliveries.
type Translator struct {
	secret    []byte
	bindings  *config.Loader
	submitter Submitter
	logger    *zap.Logger
}

// New returns a Translator verifying against the given shared secret.
func New(secret string, bindings *config.Loader, submitter Submitter, logger *zap.Logger) *Translator {
	return &Translator{
		secret:    []byte(secret),
		bindings:  bindings,
		submitter: submitter,
		logger:    logger.Named("webhook"),
	}
}

// VerifySignature checks the delivery body against the sha256= signature
// header in constant time.
func (t *Translator) VerifySignature(body []byte, signatureHeader string) error {
	if !strings.HasPrefix(signatureHeader, signaturePrefix) {
		return ErrSignatureInvalid
	}
	claimed, err := hex.DecodeString(strings.TrimPrefix(signatureHeader, signaturePrefix))
	if err != nil {
		return ErrSignatureInvalid
	}

	mac := hmac.New(sha256.New, t.secret)
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), claimed) {
		return ErrSignatureInvalid
	}
	return nil
}

// Ingest verifies, parses and fans out a single delivery. It returns the
// ids of the jobs actually created; enqueues rejected by the idempotency
// key are skipped silently, so the result may be shorter than the set of
// matched hosts. Non-push events verify and return an empty result.
func (t *Translator) Ingest(ctx context.Context, body []byte, signatureHeader, eventType string) ([]uuid.UUID, error) {
	if err := t.VerifySignature(body, signatureHeader); err != nil {
		metrics.WebhookDeliveries.WithLabelValues("invalid_signature").Inc()
		t.logger.Warn("rejected delivery with bad signature", zap.String("event", eventType))
		return nil, err
	}

	if eventType != "push" {
		metrics.WebhookDeliveries.WithLabelValues("ignored").Inc()
		return nil, nil
	}

	var event pushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		metrics.WebhookDeliveries.WithLabelValues("malformed").Inc()
		return nil, fmt.Errorf("webhook: parsing push event: %w", err)
	}
	if event.Repository.FullName == "" || event.Ref == "" {
		metrics.WebhookDeliveries.WithLabelValues("malformed").Inc()
		return nil, fmt.Errorf("webhook: push event missing repository or ref")
	}

	// Only branch pushes deploy. Tag pushes and branch deletions fall
	// through with zero matches.
	if !strings.HasPrefix(event.Ref, branchRefPrefix) {
		metrics.WebhookDeliveries.WithLabelValues("ignored").Inc()
		return nil, nil
	}
	branch := strings.TrimPrefix(event.Ref, branchRefPrefix)

	commit := event.After
	if commit == "" {
		commit = event.HeadCommit.ID
	}

	created := t.fanOut(ctx, &event, branch, commit)
	metrics.WebhookDeliveries.WithLabelValues("accepted").Inc()
	return created, nil
}

// fanOut expands the push into one job per matched host. Hosts appearing
// in multiple matched bindings are deduplicated within the call; across
// calls the idempotency key does the deduplication.
func (t *Translator) fanOut(ctx context.Context, event *pushEvent, branch, commit string) []uuid.UUID {
	repo := event.Repository.FullName
	created := make([]uuid.UUID, 0)
	seen := make(map[string]struct{})

	for _, binding := range t.bindings.Bindings() {
		if !binding.DeployOnPush || !binding.MatchesRepo(repo) || !binding.MatchesBranch(branch) {
			continue
		}

		payload, err := json.Marshal(jobPayload{
			App:           binding.Name,
			Repository:    repo,
			Branch:        branch,
			Commit:        commit,
			CommitMessage: event.HeadCommit.Message,
			Pusher:        event.Pusher.Name,
			Trigger:       "webhook",
		})
		if err != nil {
			t.logger.Error("encoding job payload", zap.Error(err))
			continue
		}

		for _, host := range binding.Hosts {
			if _, dup := seen[host]; dup {
				continue
			}
			seen[host] = struct{}{}

			job := &db.Job{
				Repo:    repo,
				Ref:     commit,
				Host:    host,
				Payload: payload,
			}
			if err := t.submitter.Submit(ctx, job, "webhook"); err != nil {
				if errors.Is(err, store.ErrDuplicateIdempotency) {
					// A job for this commit and host is already active.
					continue
				}
				t.logger.Error("enqueue failed during fan-out",
					zap.String("repo", repo),
					zap.String("host", host),
					zap.Error(err),
				)
				continue
			}
			created = append(created, job.ID)
		}
	}

	t.logger.Info("push delivery processed",
		zap.String("repo", repo),
		zap.String("branch", branch),
		zap.String("commit", commit),
		zap.Int("jobs_created", len(created)),
	)
	return created
}
