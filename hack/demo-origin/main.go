package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// 1x1 transparent PNG.
var pixel = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
	0x0a, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49,
	0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}

const page = `<!doctype html>
<html>
<head><title>Youth Study</title><link rel="manifest" href="/manifest.json"></head>
<body><h1>Youth Study</h1><script src="/app.js"></script></body>
</html>
`

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, page)
	})
	mux.HandleFunc("/app.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/javascript")
		fmt.Fprintf(w, "console.log(%q);\n", "built "+time.Now().Format(time.RFC3339))
	})
	mux.HandleFunc("/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"name":       "Youth Study",
			"short_name": "Study",
			"start_url":  "/",
			"display":    "standalone",
			"icons": []map[string]string{
				{"src": "/icons/icon-192x192.png", "sizes": "192x192", "type": "image/png"},
				{"src": "/icons/icon-512x512.png", "sizes": "512x512", "type": "image/png"},
			},
		})
	})
	mux.HandleFunc("/icons/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(pixel)
	})
	mux.HandleFunc("/api/study/verses", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"verses":    []string{"Psalm 119:105", "Philippians 4:13"},
			"served_at": time.Now().UTC(),
		})
	})
	mux.HandleFunc("/api/missions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			writeJSON(w, http.StatusCreated, map[string]bool{"ok": true})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"missions": []string{"read", "memorize", "share"},
		})
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	log.Println("demo-origin listening on :9000")
	log.Fatal(http.ListenAndServe(":9000", mux))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
