package types

import "testing"

func TestNamespace_WatchKey(t *testing.T) {
	ns := Namespace{Tenant: "acme", App: "web", Env: "prod"}
	got := ns.WatchKey("db-url")
	want := "acme/web/prod/db-url"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestNamespace_WatchKeyDistinguishesEnvs(t *testing.T) {
	prod := Namespace{Tenant: "acme", App: "web", Env: "prod"}
	staging := Namespace{Tenant: "acme", App: "web", Env: "staging"}
	if prod.WatchKey("db-url") == staging.WatchKey("db-url") {
		t.Fatal("expected different envs to produce different watch keys")
	}
}
