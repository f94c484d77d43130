package loader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
)

// MaxModuleSize limits the size of fetched modules.
const MaxModuleSize = 64 << 20

// Source fetches module bytes.
type Source func(ctx context.Context) ([]byte, error)

// Bytes returns source of in-memory module.
func Bytes(b []byte) Source {
	return func(context.Context) ([]byte, error) {
		return b, nil
	}
}

// File returns source that reads module from file.
func File(path string) Source {
	return func(ctx context.Context) ([]byte, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read module: %w", err)
		}
		return b, nil
	}
}

// HTTP returns source that downloads module. Default client is used if
// nil is passed.
func HTTP(url string, client *http.Client) Source {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("fetch module: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch module: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetch module %s: %s", url, resp.Status)
		}
		b, err := io.ReadAll(io.LimitReader(resp.Body, MaxModuleSize+1))
		if err != nil {
			return nil, fmt.Errorf("fetch module: %w", err)
		}
		if len(b) > MaxModuleSize {
			return nil, fmt.Errorf("fetch module %s: larger than %d bytes", url, MaxModuleSize)
		}
		return b, nil
	}
}
