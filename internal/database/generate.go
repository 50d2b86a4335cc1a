package database

// The schema is defined by migrations/files/000001_init.up.sql and any later
// migrations. To write the combined schema to schema.sql for review:
//   go generate ./internal/database

//go:generate sh -c "cd ../.. && go run internal/database/tools/generate_schema.go"
