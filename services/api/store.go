package api

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/gorm"

	"tuned/pkg/bus"
	tus3 "tuned/pkg/s3"
)

// Store holds external dependencies required by the API layer. DB, S3, and
// Bus are optional; handlers that need an absent dependency answer 424.
type Store struct {
	DB  *pgxpool.Pool
	ORM *gorm.DB
	S3  *tus3.Client
	Bus *bus.Bus
}
