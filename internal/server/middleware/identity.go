package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// WalletHeader carries the caller's verified wallet address, set by the
// upstream identity provider.
const WalletHeader = "X-Wallet-Address"

type walletKey struct{}

// Identity places the caller's wallet address, lower-cased, in the request
// context. Requests without the header pass through anonymously; a
// malformed address is rejected.
func Identity() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get(WalletHeader))
			if raw == "" {
				next.ServeHTTP(w, r)
				return
			}
			if !common.IsHexAddress(raw) {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "malformed wallet address")
				return
			}
			ctx := WithWallet(r.Context(), raw)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WithWallet returns ctx carrying addr.
func WithWallet(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, walletKey{}, strings.ToLower(addr))
}

// Wallet returns the caller's wallet address, or "" for anonymous requests.
func Wallet(ctx context.Context) string {
	addr, _ := ctx.Value(walletKey{}).(string)
	return addr
}
