package cli

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"bongard-study-service/internal/config"
	"bongard-study-service/internal/domain"
)

// writeContent lays out a small deployed study: metadata files, images for
// every query probe, a study document and a YAML config using the memory store.
func writeContent(t *testing.T, verifyAssets bool) string {
	t.Helper()
	root := t.TempDir()
	content := filepath.Join(root, "public")

	for _, cat := range []string{"ff", "bd"} {
		var items []domain.RawItem
		for i := 0; i < 4; i++ {
			id := fmt.Sprintf("%s_item%d_%04d", cat, i, i)
			class := "1"
			if i%2 == 1 {
				id += "_neg"
				class = "0"
			}
			items = append(items, domain.RawItem{
				TestID:  id,
				Concept: "concept " + id,
				Images: domain.RawImages{
					Pos: []string{fmt.Sprintf("%s/images/%s/1/0.png", cat, id)},
					Neg: []string{fmt.Sprintf("%s/images/%s/0/0.png", cat, id)},
				},
			})
			mustWrite(t, filepath.Join(content, "images", cat, "images", id, class, "6.png"), "png")
		}
		data, err := json.Marshal(items)
		if err != nil {
			t.Fatalf("marshal pool: %v", err)
		}
		mustWrite(t, filepath.Join(content, "metadata", cat+".json"), string(data))
	}

	mustWrite(t, filepath.Join(root, "study.json"), `{
  "n_per_category": 2,
  "metadata_files": {"ff": "/metadata/ff.json", "bd": "/metadata/bd.json"},
  "category_order": ["ff", "bd"],
  "supported_groups": [1, 2, 3],
  "image_base_path": "/images",
  "concept_groups": [1]
}`)
	mustWrite(t, filepath.Join(root, "config.yaml"), fmt.Sprintf(`store:
  driver: memory
  timeout: 2s
study:
  config_path: %s
  content_root: %s
  pool_ttl: 1m
  verify_assets: %t
`, filepath.Join(root, "study.json"), content, verifyAssets))
	return filepath.Join(root, "config.yaml")
}

func mustWrite(t *testing.T, path, data string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func newTestRuntime(t *testing.T, verifyAssets bool) *runtime {
	t.Helper()
	cfg, err := config.Load(writeContent(t, verifyAssets))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	rt, err := newRuntime(context.Background(), cfg)
	if err != nil {
		t.Fatalf("runtime: %v", err)
	}
	t.Cleanup(rt.Close)
	return rt
}

func TestPrintAssignmentSummarisesCategories(t *testing.T) {
	rt := newTestRuntime(t, true)

	var out bytes.Buffer
	if err := printAssignment(context.Background(), &out, rt.service, "pid_cli", 1, false); err != nil {
		t.Fatalf("assign: %v", err)
	}
	text := out.String()
	if !strings.Contains(text, "participant pid_cli group 1: 4 questions") {
		t.Fatalf("unexpected header:\n%s", text)
	}
	for _, cat := range []string{"ff", "bd"} {
		if !strings.Contains(text, fmt.Sprintf("  %-8s %d\n", cat, 2)) {
			t.Fatalf("expected 2 %s questions:\n%s", cat, text)
		}
	}
}

func TestPrintAssignmentJSONIsDeterministic(t *testing.T) {
	rt := newTestRuntime(t, false)
	ctx := context.Background()

	var first, second bytes.Buffer
	if err := printAssignment(ctx, &first, rt.service, "pid_same", 2, true); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := printAssignment(ctx, &second, rt.service, "pid_same", 2, true); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if first.String() != second.String() {
		t.Fatalf("assignment changed between calls")
	}

	var view struct {
		Questions []domain.Question `json:"questions"`
	}
	if err := json.Unmarshal(first.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, q := range view.Questions {
		if q.Concept != "" {
			t.Fatalf("group 2 should not see concepts, got %q", q.Concept)
		}
	}
}

func TestNewRuntimeRejectsUnknownDriver(t *testing.T) {
	cfg, err := config.Load(writeContent(t, false))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Store.Driver = "mongo"
	if _, err := newRuntime(context.Background(), cfg); err == nil {
		t.Fatalf("expected error for unknown store driver")
	}
}

func TestGenerateInvitesWritesRows(t *testing.T) {
	rt := newTestRuntime(t, false)
	ctx := context.Background()

	input := strings.Join([]string{
		"email,enrollment,group",
		"Alice@Example.com,E1,",
		"not-an-email,E2,",
		"bob@example.com,,3",
		"carol@example.com",
	}, "\n")

	var out bytes.Buffer
	n, err := generateInvites(ctx, rt.service, strings.NewReader(input), &out, inviteOptions{
		Host:      "https://study.example.org/",
		ExpiresIn: 24 * time.Hour,
		Groups:    []int{2},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 invites, got %d", n)
	}

	rows, err := csv.NewReader(&out).ReadAll()
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if strings.Join(rows[0], ",") != strings.Join(inviteColumns, ",") {
		t.Fatalf("unexpected header %v", rows[0])
	}
	if len(rows) != 4 {
		t.Fatalf("expected header plus 3 rows, got %d", len(rows))
	}

	alice := rows[1]
	if alice[1] != "alice@example.com" || alice[2] != "2" {
		t.Fatalf("unexpected alice row %v", alice)
	}
	if alice[3] != "https://study.example.org/invite/"+alice[4] {
		t.Fatalf("unexpected link %q", alice[3])
	}
	if rows[2][2] != "3" {
		t.Fatalf("explicit group should win, got %v", rows[2])
	}

	p, err := rt.service.RedeemInvite(ctx, strings.ToLower(alice[4]))
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if p.ParticipantID != alice[0] {
		t.Fatalf("redeemed %s, want %s", p.ParticipantID, alice[0])
	}
}

func TestGenerateInvitesRejectsBadGroup(t *testing.T) {
	rt := newTestRuntime(t, false)
	_, err := generateInvites(context.Background(), rt.service, strings.NewReader("dave@example.com,,x\n"), &bytes.Buffer{}, inviteOptions{})
	if err == nil || !strings.Contains(err.Error(), "line 1") {
		t.Fatalf("expected line error, got %v", err)
	}
}

func TestReloadPoolsPicksUpNewContent(t *testing.T) {
	rt := newTestRuntime(t, false)
	ctx := context.Background()

	before, err := rt.service.BuildAssignment(ctx, "pid_reload", 1)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}

	metadata := filepath.Join(rt.cfg.Study.ContentRoot, "metadata", "ff.json")
	data, err := os.ReadFile(metadata)
	if err != nil {
		t.Fatalf("read metadata: %v", err)
	}
	var items []domain.RawItem
	if err := json.Unmarshal(data, &items); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	for i := range items {
		items[i].Concept = "revised"
	}
	revised, err := json.Marshal(items)
	if err != nil {
		t.Fatalf("encode metadata: %v", err)
	}
	mustWrite(t, metadata, string(revised))

	cached, err := rt.service.BuildAssignment(ctx, "pid_reload", 1)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if cached.Questions[0].Concept != before.Questions[0].Concept {
		t.Fatalf("expected cached pool before reload")
	}

	if err := rt.reloadPools(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	after, err := rt.service.BuildAssignment(ctx, "pid_reload", 1)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if after.Questions[0].Category != "ff" || after.Questions[0].Concept != "revised" {
		t.Fatalf("expected revised ff concept after reload, got %+v", after.Questions[0])
	}
}
