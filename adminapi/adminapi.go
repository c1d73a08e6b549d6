// Package adminapi exposes Tagsistant's optional admin/introspection HTTP
// surface (spec.md §4, Open Question (b): "what exactly STATS should
// contain"), resolved here as a small gorilla/mux-routed JSON API rather
// than folding stats into the mount-point pseudo-files alone. Modeled on
// entitydb's api handler style (api/deletion_handler.go): one struct per
// concern, a constructor taking its collaborators, and plain
// encoding/json responses.
package adminapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"

	"tagsistant/dedup"
	"tagsistant/models"
)

// StoreStats is the subset of storage/sqlstore.Store's pool bookkeeping
// surfaced to /stats.json.
type StoreStats interface {
	LeaseStats() (borrowed, returned int64)
}

// ArchiveStats is the subset of storage/archive.Store's bookkeeping
// surfaced to /stats.json.
type ArchiveStats interface {
	Size() (int64, error)
}

// Handler serves the admin HTTP surface.
type Handler struct {
	store        models.Store
	storeStats   StoreStats
	archiveStats ArchiveStats
	dedup        *dedup.Deduplicator
	startedAt    time.Time
}

// New builds a Handler. storeStats and archiveStats may be nil if their
// respective stores do not expose the corresponding statistics.
func New(store models.Store, storeStats StoreStats, archiveStats ArchiveStats, dd *dedup.Deduplicator) *Handler {
	return &Handler{store: store, storeStats: storeStats, archiveStats: archiveStats, dedup: dd, startedAt: time.Now()}
}

// Router returns a configured *mux.Router serving /healthz and
// /stats.json.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/stats.json", h.handleStats).Methods(http.MethodGet)
	return r
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// statsResponse is the STATS pseudo-directory's JSON form (spec.md §4.D
// "STATS" role), backed by the same in-process counters as the
// stat-named pseudo-files resolver.StatPseudoFiles lists.
type statsResponse struct {
	UptimeSeconds   float64      `json:"uptime_seconds"`
	ObjectCount     int64        `json:"object_count"`
	TagCount        int64        `json:"tag_count"`
	DirtyCount      int64        `json:"dirty_count"`
	LeasesBorrowed  int64        `json:"leases_borrowed"`
	LeasesReturned  int64        `json:"leases_returned"`
	ArchiveSize     int64        `json:"archive_size_bytes"`
	ArchiveSizeHuman string      `json:"archive_size_human,omitempty"`
	Deduplicator    dedupSummary `json:"deduplicator"`
}

type dedupSummary struct {
	Running       bool      `json:"running"`
	TotalRuns     int64     `json:"total_runs"`
	ObjectsHashed int64     `json:"objects_hashed"`
	ObjectsMerged int64     `json:"objects_merged"`
	Errors        int64     `json:"errors"`
	LastRunTime   time.Time `json:"last_run_time"`
	LastError     string    `json:"last_error,omitempty"`
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	resp := statsResponse{UptimeSeconds: time.Since(h.startedAt).Seconds()}

	h.store.Query(ctx, "SELECT COUNT(*) FROM objects", func(row models.Row) error {
		return row.Scan(&resp.ObjectCount)
	})
	h.store.Query(ctx, "SELECT COUNT(*) FROM tags", func(row models.Row) error {
		return row.Scan(&resp.TagCount)
	})
	h.store.Query(ctx, "SELECT COUNT(*) FROM objects WHERE checksum = ''", func(row models.Row) error {
		return row.Scan(&resp.DirtyCount)
	})

	if h.storeStats != nil {
		resp.LeasesBorrowed, resp.LeasesReturned = h.storeStats.LeaseStats()
	}

	if h.archiveStats != nil {
		if size, err := h.archiveStats.Size(); err == nil {
			resp.ArchiveSize = size
			resp.ArchiveSizeHuman = humanize.Bytes(uint64(size))
		}
	}

	if h.dedup != nil {
		stats := h.dedup.GetStats()
		resp.Deduplicator = dedupSummary{
			Running:       h.dedup.IsRunning(),
			TotalRuns:     stats.TotalRuns,
			ObjectsHashed: stats.ObjectsHashed,
			ObjectsMerged: stats.ObjectsMerged,
			Errors:        stats.Errors,
			LastRunTime:   stats.LastRunTime,
			LastError:     stats.LastError,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
