package cloudstore

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/hypermemory/hypermemory/internal/herrors"
	"github.com/hypermemory/hypermemory/internal/redact"
	"github.com/hypermemory/hypermemory/internal/workspace"
)

// Embedder is the subset of *embedclient.Client the push pipeline needs.
// Accepting an interface keeps the pipeline testable against a fake.
type Embedder interface {
	EmbedPassages(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	ModelID() string
}

var mScoreRe = regexp.MustCompile(`^\s*-\s*\[M([1-5])\]\s+(.*)$`)

// PendingItem is one scored bullet parsed from the staging file.
type PendingItem struct {
	Score int
	Text  string
}

// ParsePending reads path (MEMORY.pending.md) and returns every "- [M<n>]
// text" bullet scoring at or above threshold. A missing file yields no
// items, not an error.
func ParsePending(path string, threshold int) ([]PendingItem, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, herrors.Wrap(herrors.NotFound, "cloudstore.ParsePending", err)
	}
	defer f.Close()

	var items []PendingItem
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		m := mScoreRe.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		score, _ := strconv.Atoi(m[1])
		text := strings.TrimSpace(m[2])
		if score >= threshold && text != "" {
			items = append(items, PendingItem{Score: score, Text: text})
		}
	}
	return items, sc.Err()
}

// PayloadItem is one item staged for push, after redaction and allowlist
// gating.
type PayloadItem struct {
	Score      int      `json:"score"`
	Content    string   `json:"content"`
	ContentSHA string   `json:"content_sha"`
	Redactions int      `json:"redactions"`
	Rules      []string `json:"rules"`
}

// Payload is the deterministic JSON document PreparePayload writes and
// CommitPayload later reads back.
type Payload struct {
	PushID    string        `json:"push_id"`
	Namespace string        `json:"namespace"`
	Threshold int           `json:"threshold"`
	Allowlist bool          `json:"allowlist"`
	ModelID   string        `json:"model_id"`
	Dims      int           `json:"dims"`
	Count     int           `json:"count"`
	Skipped   int           `json:"skipped"`
	Items     []PayloadItem `json:"items"`
}

type redactionAuditLine struct {
	Action     string   `json:"action"`
	Namespace  string   `json:"namespace"`
	Score      int      `json:"score"`
	Skipped    bool     `json:"skipped"`
	SkipReason []string `json:"skip_reasons,omitempty"`
	Redactions int      `json:"redactions"`
	Rules      []string `json:"rules"`
}

// PreparePayload parses ws's pending staging file, redacts and
// allowlist-gates each item at or above cfg.Threshold, embeds the
// survivors to learn the model's dimensionality, and writes the
// deterministic push payload plus an append-only redaction audit log.
// It never writes to Postgres. A payload is written even when every
// item is rejected (count=0, skipped=N) so the redaction audit trail
// is always inspectable after a prepare run.
func PreparePayload(ctx context.Context, ws *workspace.Workspace, cfg Config, embedder Embedder) (string, error) {
	pending, err := ParsePending(ws.PendingCuratedFile(), cfg.Threshold)
	if err != nil {
		return "", err
	}
	if len(pending) == 0 {
		return "", herrors.New(herrors.NotFound, "cloudstore.PreparePayload", "no curated items to push")
	}

	var eligible []PendingItem
	var audit []redactionAuditLine
	skipped := 0

	for _, p := range pending {
		rr := redact.Redact(p.Text)
		ok := true
		var reasons []string
		if cfg.Allowlist {
			// Checked against the pre-redaction text: a secret assignment or
			// high-entropy run is what makes an item unsafe, and redaction
			// may have already consumed the very substring the allowlist
			// would otherwise key on.
			ok, reasons = redact.ValidateAllowlist(p.Text)
		}
		if !ok {
			skipped++
			audit = append(audit, redactionAuditLine{
				Action: "redaction", Namespace: cfg.Namespace, Score: p.Score,
				Skipped: true, SkipReason: reasons, Redactions: rr.RedactionCount, Rules: rr.MatchedRules,
			})
			continue
		}
		eligible = append(eligible, PendingItem{Score: p.Score, Text: rr.Text})
		audit = append(audit, redactionAuditLine{
			Action: "redaction", Namespace: cfg.Namespace, Score: p.Score,
			Skipped: false, Redactions: rr.RedactionCount, Rules: rr.MatchedRules,
		})
	}

	var items []PayloadItem
	dims := 0

	if len(eligible) > 0 {
		texts := make([]string, len(eligible))
		for i, e := range eligible {
			texts[i] = e.Text
		}
		vecs, err := embedder.EmbedPassages(ctx, texts)
		if err != nil {
			return "", herrors.Wrap(herrors.BackendUnavailable, "cloudstore.PreparePayload", err)
		}
		if len(vecs) == 0 || len(vecs[0]) == 0 {
			return "", herrors.New(herrors.BackendUnavailable, "cloudstore.PreparePayload", "embedding server returned no vectors")
		}
		dims = len(vecs[0])

		items = make([]PayloadItem, len(eligible))
		for i, e := range eligible {
			items[i] = PayloadItem{
				Score:      e.Score,
				Content:    e.Text,
				ContentSHA: sha256Hex(e.Text),
			}
		}
		// carry redaction metadata from the matching non-skipped audit entries
		j := 0
		for _, a := range audit {
			if a.Skipped {
				continue
			}
			items[j].Redactions = a.Redactions
			items[j].Rules = a.Rules
			j++
		}
	}

	payload := Payload{
		PushID:    uuid.New().String(),
		Namespace: cfg.Namespace,
		Threshold: cfg.Threshold,
		Allowlist: cfg.Allowlist,
		ModelID:   embedder.ModelID(),
		Dims:      dims,
		Count:     len(items),
		Skipped:   skipped,
		Items:     items,
	}

	if err := ws.EnsureDirs(); err != nil {
		return "", herrors.Wrap(herrors.NotFound, "cloudstore.PreparePayload", err)
	}
	payloadPath := ws.CloudPushPayloadFile()
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", herrors.Wrap(herrors.InvariantViolation, "cloudstore.PreparePayload", err)
	}
	if err := os.WriteFile(payloadPath, data, 0o644); err != nil {
		return "", herrors.Wrap(herrors.InvariantViolation, "cloudstore.PreparePayload", err)
	}

	if err := appendRedactionAudit(ws.CloudRedactionAuditFile(), audit); err != nil {
		return "", err
	}

	return payloadPath, nil
}

func appendRedactionAudit(path string, lines []redactionAuditLine) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return herrors.Wrap(herrors.InvariantViolation, "cloudstore.appendRedactionAudit", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, l := range lines {
		data, err := json.Marshal(l)
		if err != nil {
			return herrors.Wrap(herrors.InvariantViolation, "cloudstore.appendRedactionAudit", err)
		}
		if _, err := w.Write(data); err != nil {
			return herrors.Wrap(herrors.InvariantViolation, "cloudstore.appendRedactionAudit", err)
		}
		if err := w.WriteByte('\n'); err != nil {
			return herrors.Wrap(herrors.InvariantViolation, "cloudstore.appendRedactionAudit", err)
		}
	}
	return w.Flush()
}

type syncAuditLine struct {
	Action    string `json:"action"`
	Namespace string `json:"namespace"`
	PushID    string `json:"push_id"`
	SHA       string `json:"sha"`
	Score     int    `json:"score"`
}

// CommitPayload reads (or, if missing, first prepares) the push payload,
// re-embeds every item against a live embed server, and upserts each one
// into Postgres as its own statement pair, appending one audit line per
// item as it commits. It returns the number of items pushed.
func CommitPayload(ctx context.Context, ws *workspace.Workspace, cfg Config, embedder Embedder, store *Store) (int, error) {
	payloadPath := ws.CloudPushPayloadFile()
	data, err := os.ReadFile(payloadPath)
	if os.IsNotExist(err) {
		if _, perr := PreparePayload(ctx, ws, cfg, embedder); perr != nil {
			return 0, perr
		}
		data, err = os.ReadFile(payloadPath)
	}
	if err != nil {
		return 0, herrors.Wrap(herrors.NotFound, "cloudstore.CommitPayload", err)
	}

	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return 0, herrors.Wrap(herrors.InvariantViolation, "cloudstore.CommitPayload", err)
	}
	if len(payload.Items) == 0 {
		return 0, nil
	}

	texts := make([]string, len(payload.Items))
	for i, it := range payload.Items {
		texts[i] = it.Content
	}
	vecs, err := embedder.EmbedPassages(ctx, texts)
	if err != nil {
		return 0, herrors.Wrap(herrors.BackendUnavailable, "cloudstore.CommitPayload", err)
	}
	if len(vecs) != len(payload.Items) {
		return 0, herrors.New(herrors.InvariantViolation, "cloudstore.CommitPayload", "embed count mismatch")
	}

	auditFile, err := os.OpenFile(ws.CloudSyncAuditFile(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, herrors.Wrap(herrors.InvariantViolation, "cloudstore.CommitPayload", err)
	}
	defer auditFile.Close()
	auditW := bufio.NewWriter(auditFile)
	defer auditW.Flush()

	pushed := 0
	for i, it := range payload.Items {
		meta := map[string]any{
			"score":        it.Score,
			"workspace":    ws.Root(),
			"source":       "staging/MEMORY.pending.md",
			"payload_path": payloadPath,
		}
		if err := store.UpsertItem(ctx, cfg.Namespace, it, embedder.ModelID(), vecs[i], meta); err != nil {
			return pushed, err
		}
		pushed++

		line, _ := json.Marshal(syncAuditLine{Action: "push", Namespace: cfg.Namespace, PushID: payload.PushID, SHA: it.ContentSHA, Score: it.Score})
		auditW.Write(line)
		auditW.WriteByte('\n')
	}

	return pushed, nil
}

// PullCurated fetches up to limit recent items for cfg.Namespace and
// appends any not already present (deduped by sha) to ws's cloud review
// file, returning that file's path.
func PullCurated(ctx context.Context, ws *workspace.Workspace, cfg Config, store *Store, limit int) (string, error) {
	items, err := store.RecentItems(ctx, cfg.Namespace, limit)
	if err != nil {
		return "", err
	}

	outPath := ws.CloudReviewFile()
	if err := ws.EnsureDirs(); err != nil {
		return "", herrors.Wrap(herrors.NotFound, "cloudstore.PullCurated", err)
	}

	existingContent := ""
	if data, err := os.ReadFile(outPath); err == nil {
		existingContent = string(data)
	}

	f, err := os.OpenFile(outPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", herrors.Wrap(herrors.InvariantViolation, "cloudstore.PullCurated", err)
	}
	defer f.Close()

	if _, err := f.WriteString(newReviewLines(existingContent, items)); err != nil {
		return "", herrors.Wrap(herrors.InvariantViolation, "cloudstore.PullCurated", err)
	}

	return outPath, nil
}

// newReviewLines renders the "- [sha=...] [M<score>] text" lines for
// items not already present (by sha) in existingContent. Pure so the
// dedup rule can be tested without a live Postgres connection.
func newReviewLines(existingContent string, items []CloudItem) string {
	existing := map[string]bool{}
	for _, line := range strings.Split(existingContent, "\n") {
		if strings.HasPrefix(line, "- [sha=") {
			if end := strings.Index(line, "]"); end > 0 {
				existing[line[2:end+1]] = true
			}
		}
	}

	var b strings.Builder
	for _, it := range items {
		key := fmt.Sprintf("[sha=%s]", it.ContentSHA)
		if existing[key] {
			continue
		}
		fmt.Fprintf(&b, "- %s [M%d] %s\n", key, it.Score, it.Content)
	}
	return b.String()
}

// SearchCurated embeds query and returns the limit closest remote items
// formatted for CLI display.
func SearchCurated(ctx context.Context, cfg Config, embedder Embedder, store *Store, query string, limit int) ([]string, error) {
	qvec, err := embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, herrors.Wrap(herrors.BackendUnavailable, "cloudstore.SearchCurated", err)
	}
	items, err := store.SearchSimilar(ctx, cfg.Namespace, embedder.ModelID(), qvec, limit)
	if err != nil {
		return nil, err
	}
	lines := make([]string, len(items))
	for i, it := range items {
		lines[i] = FormatSearchLine(it)
	}
	return lines, nil
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
