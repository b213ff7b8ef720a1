package identity_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/skygent-io/skygent/internal/identity"
	"github.com/skygent-io/skygent/internal/post"
)

func TestBskyProfileSource_GetProfilesParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/xrpc/app.bsky.actor.getProfiles", r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"profiles":[{"did":"did:plc:alice","handle":"alice.bsky.social"}]}`))
	}))
	defer srv.Close()

	source := identity.NewBskyProfileSource(srv.URL)

	profiles, err := source.GetProfiles(context.Background(), []post.Did{"did:plc:alice"})
	require.NoError(t, err)
	require.Equal(t, post.Handle("alice.bsky.social"), profiles["did:plc:alice"])
}

func TestBskyProfileSource_GetProfilesEmptyInputSkipsRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("unexpected request for empty dids")
	}))
	defer srv.Close()

	source := identity.NewBskyProfileSource(srv.URL)

	profiles, err := source.GetProfiles(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, profiles)
}

func TestBskyProfileSource_GetProfilesNonOKStatusErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	source := identity.NewBskyProfileSource(srv.URL)

	_, err := source.GetProfiles(context.Background(), []post.Did{"did:plc:alice"})
	require.Error(t, err)
}
