package proxy_test

import (
	"errors"
	"net/http"
	"testing"

	"offlinegate/internal/proxy"
)

func TestSimpleDirector_PrefixMatch(t *testing.T) {
	d := proxy.NewSimpleDirector([]proxy.SimpleRoute{
		{Prefix: "/api", ClusterName: "api_cluster"},
	})

	req, _ := http.NewRequest(http.MethodGet, "http://youth.example.org/api/study/verses", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	outReq, meta, err := d.Direct(req)
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}

	if meta.ClusterName != "api_cluster" {
		t.Errorf("expected ClusterName=api_cluster, got %s", meta.ClusterName)
	}
	if meta.RouteName != "/api" {
		t.Errorf("expected RouteName=/api, got %q", meta.RouteName)
	}
	if got := outReq.Header.Get("X-Forwarded-For"); got != "10.0.0.1" {
		t.Errorf("expected X-Forwarded-For=10.0.0.1, got %q", got)
	}
	if got := outReq.Header.Get("X-Forwarded-Host"); got != "youth.example.org" {
		t.Errorf("expected X-Forwarded-Host=youth.example.org, got %q", got)
	}
	if req.Header.Get("X-Forwarded-For") != "" {
		t.Error("Direct mutated the inbound request")
	}
}

func TestSimpleDirector_NoRoute(t *testing.T) {
	d := proxy.NewSimpleDirector([]proxy.SimpleRoute{
		{Prefix: "/api", ClusterName: "api_cluster"},
	})

	req, _ := http.NewRequest(http.MethodGet, "https://youth.example.org/other", nil)
	_, _, err := d.Direct(req)
	if !errors.Is(err, proxy.ErrNoRoute) {
		t.Fatalf("expected ErrNoRoute for unmatched route, got %v", err)
	}
}

func TestSimpleDirector_LongestPrefixWins(t *testing.T) {
	d := proxy.NewSimpleDirector([]proxy.SimpleRoute{
		{Prefix: "/", ClusterName: "web"},
		{Prefix: "/api", ClusterName: "api"},
		{Prefix: "/api/study", ClusterName: "study"},
	})

	tests := map[string]string{
		"/api/study/verses": "study",
		"/api/missions":     "api",
		"/icons/a.png":      "web",
	}
	for path, want := range tests {
		req, _ := http.NewRequest(http.MethodGet, "http://youth.example.org"+path, nil)
		_, meta, err := d.Direct(req)
		if err != nil {
			t.Fatalf("unexpected error for %s: %v", path, err)
		}
		if meta.ClusterName != want {
			t.Errorf("%s routed to %q, want %q", path, meta.ClusterName, want)
		}
	}
}

func TestSimpleDirector_XForwardedFor_Appending(t *testing.T) {
	d := proxy.NewSimpleDirector([]proxy.SimpleRoute{
		{Prefix: "/", ClusterName: "default"},
	})

	req, _ := http.NewRequest(http.MethodGet, "http://youth.example.org/", nil)
	req.Header.Set("X-Forwarded-For", "192.168.1.1, 10.0.0.5")
	req.RemoteAddr = "172.16.0.10:54321"

	outReq, _, _ := d.Direct(req)

	expected := "192.168.1.1, 10.0.0.5, 172.16.0.10"
	if got := outReq.Header.Get("X-Forwarded-For"); got != expected {
		t.Errorf("X-Forwarded-For appending failed.\nExpected: %q\nGot: \t%q", expected, got)
	}

	req2, _ := http.NewRequest(http.MethodGet, "http://youth.example.org/", nil)
	req2.RemoteAddr = "10.0.0.25"
	outReq2, _, _ := d.Direct(req2)
	if got := outReq2.Header.Get("X-Forwarded-For"); got != "10.0.0.25" {
		t.Errorf("X-Forwarded-For for bare IP failed. Expected: %q, Got: %q", "10.0.0.25", got)
	}

	req3, _ := http.NewRequest(http.MethodGet, "http://youth.example.org/", nil)
	req3.RemoteAddr = "tcp://10.0.0.50:8080"
	outReq3, _, err := d.Direct(req3)
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if got := outReq3.Header.Get("X-Forwarded-For"); got != "10.0.0.50" {
		t.Errorf("X-Forwarded-For scheme sanitization failed.\nExpected: %q\nGot:\t%q", "10.0.0.50", got)
	}
}
