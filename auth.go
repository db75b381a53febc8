package main

import (
	"net/http"
	"os"
	"strconv"
	"time"

	"gridbot/exchange"
	"gridbot/logger"
)

// edgexAuth builds the request signer for private endpoints from the
// EDGEX_* environment. Returns nil when credentials are absent, which
// keeps public endpoints working for dry runs.
func edgexAuth() exchange.AuthProvider {
	accountID := os.Getenv("EDGEX_ACCOUNT_ID")
	apiKey := os.Getenv("EDGEX_API_KEY")
	if accountID == "" || apiKey == "" {
		logger.Warn("EDGEX_ACCOUNT_ID / EDGEX_API_KEY not set, private endpoints will fail")
		return nil
	}

	return func(req *http.Request) error {
		req.Header.Set("X-edgeX-Api-Key", apiKey)
		req.Header.Set("X-edgeX-Account-Id", accountID)
		req.Header.Set("X-edgeX-Api-Timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		return nil
	}
}
