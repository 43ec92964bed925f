package advisor

import (
	"context"
	"embed"
	"fmt"
	"path"
	"sync"

	"github.com/barryq93/dbwatch/internal/db"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrations embed.FS

const viewsTable = "dbwatch_view_versions"

// goose keeps its dialect, base FS and table name in package state.
var gooseMu sync.Mutex

type ViewsResult struct {
	Dialect string `json:"dialect"`
	Version int64  `json:"version"`
}

// CreateReportingViews applies the embedded reporting-view migrations.
// Re-running it is a no-op once the views are current.
func (a *Advisor) CreateReportingViews(ctx context.Context) (ViewsResult, error) {
	if err := a.checkDialect(); err != nil {
		return ViewsResult{}, err
	}
	dialect, dir := "postgres", path.Join("migrations", "postgres")
	if a.dialect == db.SQLite {
		dialect, dir = "sqlite3", path.Join("migrations", "sqlite")
	}

	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations)
	goose.SetTableName(viewsTable)
	goose.SetLogger(a.logger)
	if err := goose.SetDialect(dialect); err != nil {
		return ViewsResult{}, fmt.Errorf("configure goose: %w", err)
	}

	sqlDB := a.handle.DB
	if err := goose.UpContext(ctx, sqlDB, dir); err != nil {
		return ViewsResult{}, fmt.Errorf("apply reporting views: %w", err)
	}
	version, err := goose.GetDBVersionContext(ctx, sqlDB)
	if err != nil {
		return ViewsResult{}, fmt.Errorf("read view version: %w", err)
	}
	a.logger.WithField("version", version).Info("Reporting views are up to date")
	return ViewsResult{Dialect: dialect, Version: version}, nil
}
