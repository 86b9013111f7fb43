package server

import (
	"embed"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

//go:embed web
var webFS embed.FS

// EmbeddedOrigin is the asset origin of the page compiled into the binary.
const EmbeddedOrigin = "embedded"

// Assets is the page as compiled into the binary.
func Assets() fs.FS {
	sub, err := fs.Sub(webFS, "web")
	if err != nil {
		panic(err)
	}
	return sub
}

// AssetOrigin turns the configured origin ("embedded", a directory, or an
// http(s) URL) into the URL assets resolve against and the client that
// fetches them. Local files go through a file:// transport so the offline
// router sees one kind of origin.
func AssetOrigin(origin string) (*url.URL, *http.Client, error) {
	origin = strings.TrimSpace(origin)
	switch {
	case origin == "" || origin == EmbeddedOrigin:
		return fileOrigin(Assets())
	case strings.HasPrefix(origin, "http://") || strings.HasPrefix(origin, "https://"):
		u, err := url.Parse(origin)
		if err != nil {
			return nil, nil, fmt.Errorf("parse asset origin: %w", err)
		}
		return u, &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				DialContext:         (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}, nil
	default:
		st, err := os.Stat(origin)
		if err != nil {
			return nil, nil, fmt.Errorf("asset origin: %w", err)
		}
		if !st.IsDir() {
			return nil, nil, fmt.Errorf("asset origin %s is not a directory", origin)
		}
		return fileOrigin(os.DirFS(origin))
	}
}

func fileOrigin(fsys fs.FS) (*url.URL, *http.Client, error) {
	t := &http.Transport{}
	t.RegisterProtocol("file", http.NewFileTransport(http.FS(fsys)))
	return &url.URL{Scheme: "file", Path: "/"}, &http.Client{Transport: t, Timeout: 30 * time.Second}, nil
}
