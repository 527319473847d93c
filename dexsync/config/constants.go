package config

import "time"

// Database and Performance Constants
const (
	// Timeouts
	DefaultQueryTimeout = 30 * time.Second
	SearchTimeout       = 10 * time.Second
	NetworkDialTimeout  = 5 * time.Second
	CatalogHTTPTimeout  = 30 * time.Second

	// Cache settings
	SearchCacheSize = 1024

	// Batch processing
	MaxBatchSize = 1000
)

// Sync Constants
const (
	DefaultPageSize = 20
	ForceSyncLimit  = 100

	ConnectivityProbeInterval = 15 * time.Second
)

// Remote document store collections and fields.
const (
	UsersCollection  = "users"
	TradesCollection = "trades"

	FavoritesField = "favorites"
)
