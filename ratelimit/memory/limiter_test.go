package memorylimiter

import (
	"testing"
	"time"
)

func TestAllowNamedWithinLimit(t *testing.T) {
	l := New(map[string]Limit{"auth_start": {Limit: 3, Window: time.Minute}})

	for i := 0; i < 3; i++ {
		ok, err := l.AllowNamed("auth_start", "1.2.3.4")
		if err != nil || !ok {
			t.Fatalf("request %d: ok=%v err=%v, want allowed", i, ok, err)
		}
	}
	ok, err := l.AllowNamed("auth_start", "1.2.3.4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("fourth request allowed, want rate limited")
	}
}

func TestAllowNamedKeysIndependent(t *testing.T) {
	l := New(map[string]Limit{"auth_start": {Limit: 1, Window: time.Minute}})

	if ok, _ := l.AllowNamed("auth_start", "1.2.3.4"); !ok {
		t.Fatal("first key denied")
	}
	if ok, _ := l.AllowNamed("auth_start", "5.6.7.8"); !ok {
		t.Fatal("second key throttled by first key's traffic")
	}
	if ok, _ := l.AllowNamed("auth_start", "1.2.3.4"); ok {
		t.Fatal("first key not throttled on second request")
	}
}

func TestAllowNamedWindowExpiry(t *testing.T) {
	l := New(map[string]Limit{"auth_start": {Limit: 1, Window: 20 * time.Millisecond}})

	if ok, _ := l.AllowNamed("auth_start", "1.2.3.4"); !ok {
		t.Fatal("first request denied")
	}
	if ok, _ := l.AllowNamed("auth_start", "1.2.3.4"); ok {
		t.Fatal("second request inside window allowed")
	}
	time.Sleep(30 * time.Millisecond)
	if ok, _ := l.AllowNamed("auth_start", "1.2.3.4"); !ok {
		t.Fatal("request after window expiry denied")
	}
}

func TestAllowNamedDefaultBucket(t *testing.T) {
	l := New(map[string]Limit{"default": {Limit: 1, Window: time.Minute}})

	if ok, _ := l.AllowNamed("unconfigured", "1.2.3.4"); !ok {
		t.Fatal("first request denied")
	}
	if ok, _ := l.AllowNamed("unconfigured", "1.2.3.4"); ok {
		t.Fatal("default limit not applied to unconfigured bucket")
	}
}

func TestAllowNamedValidation(t *testing.T) {
	l := New(nil)
	if _, err := l.AllowNamed("", "key"); err == nil {
		t.Error("empty bucket accepted")
	}
	if _, err := l.AllowNamed("bucket", ""); err == nil {
		t.Error("empty key accepted")
	}
}
