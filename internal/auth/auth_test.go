package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/danmuck/portroute/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestStaticTokenValidate(t *testing.T) {
	testlog.Start(t)

	tests := []struct {
		name    string
		stored  string
		input   string
		wantErr error
	}{
		{name: "empty token denied", stored: "", input: "abc", wantErr: ErrUnauthorized},
		{name: "mismatched token denied", stored: "abc", input: "xyz", wantErr: ErrUnauthorized},
		{name: "matching token accepted", stored: "abc", input: "abc", wantErr: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := (StaticToken{Token: tc.stored}).Validate(tc.input)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected err %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestFromTokenAndCheck(t *testing.T) {
	testlog.Start(t)

	require.Nil(t, FromToken("  "))
	require.NoError(t, Check(nil, ""))

	v := FromToken(" s3cret ")
	require.NoError(t, Check(v, "s3cret"))
	require.ErrorIs(t, Check(v, ""), ErrUnauthorized)
}

func TestBearerToken(t *testing.T) {
	testlog.Start(t)

	require.Equal(t, "abc", BearerToken("Bearer abc"))
	require.Equal(t, "abc", BearerToken("  bearer   abc "))
	require.Equal(t, "", BearerToken("Basic abc"))
	require.Equal(t, "", BearerToken(""))
}

func TestMiddleware(t *testing.T) {
	testlog.Start(t)

	gin.SetMode(gin.ReleaseMode)
	e := gin.New()
	e.Use(Middleware(FromToken("abc")))
	e.GET("/x", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	rr := httptest.NewRecorder()
	e.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer abc")
	rr = httptest.NewRecorder()
	e.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
}
