// Copyright 2025 James Ross
package sqlq

// Blank imports register the database/sql drivers Open dials by name
// ("pgx", "mysql"). Kept separate from sql.go so the claim/poll logic
// isn't buried under driver wiring.
import (
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
)
