/*
Copyright 2026 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package review

import (
	"database/sql"
	"embed"

	"github.com/pressly/goose/v3"

	govterrors "github.com/consilium-ai/governor/internal/shared/errors"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies every pending human_review_requests/human_review_feedback
// migration using the stdlib *sql.DB handle (goose drives its own
// connection, independent of the sqlx handle PostgresStore uses for
// steady-state reads/writes).
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return govterrors.FailedTo("set goose dialect", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return govterrors.DatabaseError("migrate human_review tables", err)
	}
	return nil
}
