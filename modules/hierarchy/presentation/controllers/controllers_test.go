package controllers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/hierarchy/modules/hierarchy/domain/node"
	"github.com/iota-uz/hierarchy/modules/hierarchy/domain/path"
	"github.com/iota-uz/hierarchy/modules/hierarchy/infrastructure/cache"
	"github.com/iota-uz/hierarchy/modules/hierarchy/presentation/controllers"
	"github.com/iota-uz/hierarchy/modules/hierarchy/services"
	"github.com/iota-uz/hierarchy/pkg/application"
	"github.com/iota-uz/hierarchy/pkg/changelog"
	"github.com/iota-uz/hierarchy/pkg/composables"
	"github.com/iota-uz/hierarchy/pkg/eventbus"
	"github.com/iota-uz/hierarchy/pkg/repo"
)

// memCanonicalRepo is a minimal in-memory stand-in for the SQL repository so
// handler tests run without a database.
type memCanonicalRepo struct {
	mu    sync.Mutex
	nodes map[uuid.UUID]*node.Node
	seqs  map[uuid.UUID]int
}

func newMemCanonicalRepo() *memCanonicalRepo {
	return &memCanonicalRepo{nodes: map[uuid.UUID]*node.Node{}, seqs: map[uuid.UUID]int{}}
}

func (r *memCanonicalRepo) Create(_ context.Context, n *node.Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *n
	r.nodes[n.ID] = &cp
	return nil
}

func (r *memCanonicalRepo) Update(_ context.Context, n *node.Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[n.ID]; !ok {
		return services.ErrNodeNotFound
	}
	cp := *n
	r.nodes[n.ID] = &cp
	return nil
}

func (r *memCanonicalRepo) GetByID(_ context.Context, id uuid.UUID) (*node.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return nil, services.ErrNodeNotFound
	}
	cp := *n
	return &cp, nil
}

func (r *memCanonicalRepo) GetByPath(_ context.Context, p string) (*node.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.nodes {
		if n.Path == p {
			cp := *n
			return &cp, nil
		}
	}
	return nil, services.ErrNodeNotFound
}

func (r *memCanonicalRepo) GetByExternalCode(_ context.Context, code string) (*node.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.nodes {
		if n.ExternalCode == code {
			cp := *n
			return &cp, nil
		}
	}
	return nil, services.ErrNodeNotFound
}

func (r *memCanonicalRepo) NextSiblingSeq(_ context.Context, parentID *uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := uuid.Nil
	if parentID != nil {
		key = *parentID
	}
	r.seqs[key]++
	return r.seqs[key], nil
}

func (r *memCanonicalRepo) Descendants(_ context.Context, prefix string, activeOnly bool) ([]*node.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*node.Node
	for _, n := range r.nodes {
		if prefix != "" && !path.IsDescendantOrSelf(n.Path, prefix) {
			continue
		}
		if activeOnly && !n.Active {
			continue
		}
		cp := *n
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (r *memCanonicalRepo) Children(_ context.Context, parentID *uuid.UUID, level int) ([]*node.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*node.Node
	for _, n := range r.nodes {
		if parentID == nil {
			if n.ParentID != nil {
				continue
			}
		} else if n.ParentID == nil || *n.ParentID != *parentID {
			continue
		}
		if level > 0 && int(n.Level) != level {
			continue
		}
		cp := *n
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (r *memCanonicalRepo) CountActiveDescendants(_ context.Context, prefix string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, n := range r.nodes {
		if n.Path != prefix && path.IsDescendantOrSelf(n.Path, prefix) && n.Active {
			count++
		}
	}
	return count, nil
}

func (r *memCanonicalRepo) MaxDepth(_ context.Context, prefix string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	depth := 0
	for _, n := range r.nodes {
		if path.IsDescendantOrSelf(n.Path, prefix) && int(n.Level) > depth {
			depth = int(n.Level)
		}
	}
	return depth, nil
}

func (r *memCanonicalRepo) RewriteSubtree(_ context.Context, oldPrefix, newPrefix string, levelDelta int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, nd := range r.nodes {
		if !path.IsDescendantOrSelf(nd.Path, oldPrefix) {
			continue
		}
		nd.Path = newPrefix + strings.TrimPrefix(nd.Path, oldPrefix)
		nd.Level += node.Level(levelDelta)
		n++
	}
	return n, nil
}

func (r *memCanonicalRepo) DeactivateSubtree(_ context.Context, prefix string, at time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, nd := range r.nodes {
		if path.IsDescendantOrSelf(nd.Path, prefix) && nd.Active {
			nd.Active = false
			t := at
			nd.ValidTo = &t
			n++
		}
	}
	return n, nil
}

type nopPublisher struct{}

func (nopPublisher) Enqueue(context.Context, repo.Tx, changelog.Message) (int64, error) {
	return 1, nil
}

type stubTx struct{}

func (t *stubTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }
func (t *stubTx) Commit(ctx context.Context) error          { return nil }
func (t *stubTx) Rollback(ctx context.Context) error        { return nil }
func (t *stubTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *stubTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (t *stubTx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }
func (t *stubTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *stubTx) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (t *stubTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, nil
}
func (t *stubTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row { return nil }
func (t *stubTx) Conn() *pgx.Conn                                               { return nil }

// provideTx plants a stub transaction so services never reach for a pool.
func provideTx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(composables.WithTx(r.Context(), &stubTx{})))
	})
}

func newTestRouter(t *testing.T) (*mux.Router, *memCanonicalRepo) {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	canonicalRepo := newMemCanonicalRepo()
	canonicalService := services.NewCanonicalService(canonicalRepo, nopPublisher{}, cache.NewMemoryCache(), time.Minute, log)

	app := application.New(&application.ApplicationOptions{
		EventBus: eventbus.NewEventPublisher(log),
		Logger:   log,
	})
	app.RegisterServices(canonicalService)
	app.RegisterControllers(controllers.NewCanonicalAPIController(app))

	router := mux.NewRouter()
	router.Use(provideTx)
	for _, c := range app.Controllers() {
		c.Register(router)
	}
	return router, canonicalRepo
}

func doJSON(t *testing.T, router *mux.Router, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestCanonicalAPI_CreateAndFetch(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/hierarchy/canonical/nodes", map[string]any{"name": "Nepal"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created controllers.NodeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, "1", created.Path)
	require.Equal(t, "country", created.LevelName)

	rec = doJSON(t, router, http.MethodGet, "/hierarchy/canonical/nodes/"+created.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/hierarchy/canonical/nodes/by-path?path=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCanonicalAPI_ListChildren(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/hierarchy/canonical/nodes", map[string]any{"name": "Nepal"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var root controllers.NodeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &root))

	for _, name := range []string{"Bagmati", "Gandaki"} {
		rec = doJSON(t, router, http.MethodPost, "/hierarchy/canonical/nodes", map[string]any{
			"name":      name,
			"parent_id": root.ID,
		})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec = doJSON(t, router, http.MethodGet, "/hierarchy/canonical/nodes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var roots []controllers.NodeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &roots))
	require.Len(t, roots, 1)
	require.Equal(t, "Nepal", roots[0].Name)

	rec = doJSON(t, router, http.MethodGet, "/hierarchy/canonical/nodes?parent_id="+root.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var children []controllers.NodeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &children))
	require.Len(t, children, 2)
	require.Equal(t, "Bagmati", children[0].Name)
	require.Equal(t, "Gandaki", children[1].Name)

	rec = doJSON(t, router, http.MethodGet, "/hierarchy/canonical/nodes?parent_id="+root.ID.String()+"&level=3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var filtered []controllers.NodeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &filtered))
	require.Empty(t, filtered)

	rec = doJSON(t, router, http.MethodGet, "/hierarchy/canonical/nodes?parent_id=bogus", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCanonicalAPI_CreateValidation(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/hierarchy/canonical/nodes", map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	missing := uuid.New()
	rec = doJSON(t, router, http.MethodPost, "/hierarchy/canonical/nodes", map[string]any{
		"name":      "orphan",
		"parent_id": missing,
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var envelope struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.Equal(t, "HIERARCHY_INVALID_PARENT", envelope.Code)
}

func TestCanonicalAPI_MoveConflictEnvelope(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/hierarchy/canonical/nodes", map[string]any{"name": "root"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var root controllers.NodeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &root))

	rec = doJSON(t, router, http.MethodPost, "/hierarchy/canonical/nodes", map[string]any{
		"name":      "child",
		"parent_id": root.ID,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var child controllers.NodeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &child))

	rec = doJSON(t, router, http.MethodPost, "/hierarchy/canonical/nodes/"+root.ID.String()+"/move", map[string]any{
		"new_parent_id": child.ID,
	})
	require.Equal(t, http.StatusConflict, rec.Code)

	var envelope struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.Equal(t, "HIERARCHY_CYCLIC_MOVE", envelope.Code)
}

func TestCanonicalAPI_RenameAndDeactivate(t *testing.T) {
	router, repo := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/hierarchy/canonical/nodes", map[string]any{"name": "old"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created controllers.NodeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = doJSON(t, router, http.MethodPost, "/hierarchy/canonical/nodes/"+created.ID.String()+"/rename", map[string]any{"name": "new"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/hierarchy/canonical/nodes/"+created.ID.String()+"/deactivate", map[string]any{"cascade": false})
	require.Equal(t, http.StatusOK, rec.Code)

	stored, err := repo.GetByID(context.Background(), created.ID)
	require.NoError(t, err)
	require.Equal(t, "new", stored.Name)
	require.False(t, stored.Active)
}

func TestCanonicalAPI_UnknownNode(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/hierarchy/canonical/nodes/"+uuid.NewString(), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/hierarchy/canonical/nodes/not-a-uuid", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTenantAPI_RejectsInvalidTenantID(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	app := application.New(&application.ApplicationOptions{
		EventBus: eventbus.NewEventPublisher(log),
		Logger:   log,
	})
	app.RegisterControllers(controllers.NewTenantAPIController(app))

	router := mux.NewRouter()
	for _, c := range app.Controllers() {
		c.Register(router)
	}

	rec := doJSON(t, router, http.MethodGet, "/hierarchy/tenants/not-a-uuid/review", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Bootstrap refuses to copy anything without a country selector.
	rec = doJSON(t, router, http.MethodPost, "/hierarchy/tenants/"+uuid.NewString()+"/bootstrap", map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
