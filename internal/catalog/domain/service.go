package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	// ResolveProduct finds the product named by ref (an id or a code) and
	// creates it from the configured defaults when it does not exist.
	ResolveProduct(ctx context.Context, ref string) (*Product, error)
	GetProduct(ctx context.Context, id snowflake.ID) (*Product, error)

	GetPackage(ctx context.Context, code string) (*Package, error)
	GetPackageByID(ctx context.Context, id snowflake.ID) (*Package, error)
	ListPackages(ctx context.Context) ([]Package, error)
	// SyncPackages writes the file catalog into fortune_packages and
	// deactivates packages the file no longer lists.
	SyncPackages(ctx context.Context) (SyncResult, error)
}

type SyncResult struct {
	Upserted    int   `json:"upserted"`
	Deactivated int64 `json:"deactivated"`
}
