package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"bongard-study-service/internal/app"
	"bongard-study-service/internal/assignment"
	"bongard-study-service/internal/config"
	"bongard-study-service/internal/domain"
	"bongard-study-service/internal/infra/memory"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	server  *httptest.Server
	service *app.StudyService
	hub     *app.ProgressHub
	store   *memory.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	study := config.Study{
		NPerCategory:    2,
		MetadataFiles:   map[string]string{"ff": "/metadata/ff.json", "bd": "/metadata/bd.json"},
		CategoryOrder:   []string{"ff", "bd"},
		SupportedGroups: []int{1, 2},
		ImageBasePath:   "/images",
		ConceptGroups:   []int{1},
	}
	pools := memory.NewStaticPoolLoader(map[string][]domain.RawItem{
		"ff": testPool("ff", 3),
		"bd": testPool("bd", 3),
	})
	store := memory.NewStore()
	hub := app.NewProgressHub()
	service := app.NewStudyService(store, assignment.NewBuilder(study, pools),
		app.WithCreationGuard(memory.NewCreationGuard()),
		app.WithProgressHub(hub),
	)
	server := httptest.NewServer(NewRouter(service, hub, RouterOptions{}))
	t.Cleanup(server.Close)
	return &fixture{server: server, service: service, hub: hub, store: store}
}

func testPool(category string, n int) []domain.RawItem {
	items := make([]domain.RawItem, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s_concept_%04d", category, i)
		if i%2 == 1 {
			id += "_neg"
		}
		items = append(items, domain.RawItem{
			TestID:    id,
			Concept:   "concept " + category,
			ConceptUI: "shown " + category,
			Images: domain.RawImages{
				Pos: []string{fmt.Sprintf("%s/images/%s/1/0.png", category, id)},
				Neg: []string{fmt.Sprintf("%s/images/%s/0/0.png", category, id)},
			},
		})
	}
	return items
}

type apiResult struct {
	Status  int
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (f *fixture) do(t *testing.T, method, path string, body any) apiResult {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := apiResult{Status: resp.StatusCode}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out), "%s %s", method, path)
	return out
}

func decodeData[T any](t *testing.T, res apiResult) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(res.Data, &v))
	return v
}
