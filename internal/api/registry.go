package api

import (
	"github.com/atlasmap-sc/cellucid/internal/datalayer"
	"github.com/atlasmap-sc/cellucid/internal/memwatch"
	"github.com/atlasmap-sc/cellucid/internal/notify"
	"github.com/atlasmap-sc/cellucid/internal/pages"
	"github.com/atlasmap-sc/cellucid/internal/service"
)

// DatasetInfo describes the served dataset.
type DatasetInfo struct {
	Title       string `json:"title"`
	NCells      int    `json:"n_cells"`
	NObsFields  int    `json:"n_obs_fields"`
	NGenes      int    `json:"n_genes"`
	NPages      int    `json:"n_pages"`
	HeapBytes   uint64 `json:"heap_bytes"`
	CleanupRuns int64  `json:"cleanup_runs"`
}

// Services holds the collaborators the handlers use.
type Services struct {
	Title         string
	Data          *datalayer.DataLayer
	Pages         *pages.MemoryRegistry
	Notifications *notify.Recorder
	Monitor       *memwatch.Monitor
	DE            *service.DEService
}

// Info returns a summary of the dataset and process.
func (s *Services) Info() DatasetInfo {
	title := s.Title
	if title == "" {
		title = "cellucid"
	}
	info := DatasetInfo{Title: title, HeapBytes: memwatch.HeapBytes()}
	if s.Data != nil {
		c := s.Data.Catalog()
		info.NCells = c.NCells
		info.NObsFields = c.Obs.Len()
		info.NGenes = c.Genes.Len()
	}
	if s.Pages != nil {
		info.NPages = len(s.Pages.HighlightPages())
	}
	if s.Monitor != nil {
		info.CleanupRuns = s.Monitor.Sweeps()
	}
	return info
}
