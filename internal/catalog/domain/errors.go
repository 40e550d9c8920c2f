package domain

import "errors"

var (
	ErrProductNotFound = errors.New("product_not_found")
	ErrPackageNotFound = errors.New("package_not_found")
	ErrInvalidCode     = errors.New("invalid_code")
)
