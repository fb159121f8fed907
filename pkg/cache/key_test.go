package cache

import (
	"net/url"
	"testing"
)

func TestCacheKey_String(t *testing.T) {
	tests := []struct {
		name string
		key  CacheKey
		want string
	}{
		{
			name: "simple endpoint no params",
			key: CacheKey{
				Endpoint: "/system/info/",
			},
			want: "dhis2:system/info",
		},
		{
			name: "host and user scope the key",
			key: CacheKey{
				Host:     "https://play.dhis2.org/api/",
				Username: "admin",
				Endpoint: "analytics",
			},
			want: "dhis2:https://play.dhis2.org/api:admin:analytics",
		},
		{
			name: "repeated dimension values kept in order",
			key: CacheKey{
				Endpoint: "analytics",
				QueryParams: url.Values{
					"dimension": []string{"dx:a;b", "pe:202301;202302", "ou:LEVEL-1"},
				},
			},
			want: "dhis2:analytics:dimension=dx:a;b,pe:202301;202302,ou:LEVEL-1",
		},
		{
			name: "query keys sorted",
			key: CacheKey{
				Endpoint: "analytics",
				QueryParams: url.Values{
					"skipMeta":  []string{"true"},
					"dimension": []string{"dx:a"},
				},
			},
			want: "dhis2:analytics:dimension=dx:a:skipMeta=true",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.key.String()
			if got != tt.want {
				t.Errorf("CacheKey.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestCacheKey_Determinism ensures same input always produces same key
func TestCacheKey_Determinism(t *testing.T) {
	key := CacheKey{
		Host:     "https://dhis2.example.org/api",
		Username: "admin",
		Endpoint: "analytics",
		QueryParams: url.Values{
			"dimension":          []string{"dx:a;b", "pe:202301", "ou:LEVEL-1"},
			"displayProperty":    []string{"NAME"},
			"includeNumDen":      []string{"false"},
			"skipMeta":           []string{"true"},
			"skipData":           []string{"false"},
			"outputIdScheme":     []string{"UID"},
			"approvalLevel":      []string{"1"},
			"aggregationType":    []string{"SUM"},
			"measureCriteria":    []string{"GE:1"},
			"preAggregationMeas": []string{"x"},
		},
	}

	first := key.String()
	for i := 0; i < 20; i++ {
		if got := key.String(); got != first {
			t.Fatalf("iteration %d: %v, want %v (not deterministic)", i, got, first)
		}
	}
}

func TestCacheKey_UsersDoNotShareEntries(t *testing.T) {
	a := CacheKey{Host: "https://x/api", Username: "alice", Endpoint: "analytics"}
	b := CacheKey{Host: "https://x/api", Username: "bob", Endpoint: "analytics"}
	if a.String() == b.String() {
		t.Errorf("keys for different users collide: %s", a.String())
	}
}
