// Package all links every storage backend into the binary. The pipeline
// config picks one at runtime by kind.
package all

import (
	_ "github.com/microsoft/go-mssqldb"

	_ "cmedetl/internal/storage/mssql"
	_ "cmedetl/internal/storage/postgres"
	_ "cmedetl/internal/storage/sqlite"
)
