// Package providers bundles the outbound report channels: PDF rendering
// and buyer email.
package providers

import (
	"github.com/smallbiznis/fortunepay/internal/providers/email"
	"github.com/smallbiznis/fortunepay/internal/providers/pdf"
	"go.uber.org/fx"
)

var Module = fx.Module("providers",
	email.Module,
	fx.Provide(pdf.New),
)
