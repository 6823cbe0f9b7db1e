package session

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"qrstatus-client/internal/infra/apperr"
	"qrstatus-client/internal/infra/storage"
)

// fakeClient — управляемая реализация AuthClient.
type fakeClient struct {
	loginResult AuthResult
	loginErr    error
	logoutErr   error

	loginCalls  int
	logoutCalls int
	lastToken   string
}

func (f *fakeClient) Login(_ context.Context, _, _ string) (AuthResult, error) {
	f.loginCalls++
	if f.loginErr != nil {
		return AuthResult{}, f.loginErr
	}
	return f.loginResult, nil
}

func (f *fakeClient) Logout(_ context.Context, token string) error {
	f.logoutCalls++
	f.lastToken = token
	return f.logoutErr
}

func adminUser() *User {
	return &User{Username: "admin", Email: "admin@corp.local", Role: "admin", IsAdmin: true}
}

// assertInvariant проверяет «оба или ни одного» для памяти и персиста.
func assertInvariant(t *testing.T, s *Store, kv storage.KV) {
	t.Helper()

	state := s.Current()
	if (state.User == nil) != (state.Token == "") {
		t.Fatalf("in-memory invariant broken: user=%v token=%q", state.User, state.Token)
	}

	_, userFound, err := kv.Get(UserKey)
	if err != nil {
		t.Fatal(err)
	}
	_, tokenFound, err := kv.Get(TokenKey)
	if err != nil {
		t.Fatal(err)
	}
	if userFound != tokenFound {
		t.Fatalf("persisted invariant broken: user=%v token=%v", userFound, tokenFound)
	}
}

func TestLoginSuccessSetsStateAndPersists(t *testing.T) {
	t.Parallel()

	kv := storage.NewMemory()
	client := &fakeClient{loginResult: AuthResult{Token: "tok-1", User: adminUser()}}
	s := New(kv, client)

	var states []State
	s.Subscribe(func(st State) { states = append(states, st) })

	res := s.Login(context.Background(), "admin", "secret")
	if !res.Success || res.Error != "" {
		t.Fatalf("login result: %+v", res)
	}

	state := s.Current()
	if !state.Authenticated() || state.User.Username != "admin" || state.Token != "tok-1" {
		t.Fatalf("unexpected state: %+v", state)
	}
	if len(states) != 1 || !states[0].Authenticated() {
		t.Fatalf("subscriber states: %+v", states)
	}
	assertInvariant(t, s, kv)

	raw, found, err := kv.Get(UserKey)
	if err != nil || !found {
		t.Fatalf("user not persisted: found=%v err=%v", found, err)
	}
	var persisted User
	if err = json.Unmarshal(raw, &persisted); err != nil {
		t.Fatal(err)
	}
	if persisted != *adminUser() {
		t.Fatalf("persisted user = %+v", persisted)
	}
}

func TestLoginAuthErrorYieldsServerDetail(t *testing.T) {
	t.Parallel()

	kv := storage.NewMemory()
	client := &fakeClient{loginErr: apperr.Auth("Invalid credentials")}
	s := New(kv, client)

	res := s.Login(context.Background(), "admin", "wrong")
	if res.Success {
		t.Fatal("login must fail")
	}
	if res.Error != "Invalid credentials" {
		t.Errorf("error = %q, want server detail", res.Error)
	}
	if s.Current().Authenticated() {
		t.Error("state must stay unauthenticated")
	}
	assertInvariant(t, s, kv)
}

func TestLoginNetworkErrorYieldsGenericMessage(t *testing.T) {
	t.Parallel()

	kv := storage.NewMemory()
	client := &fakeClient{loginErr: apperr.Network("dial tcp: refused", errors.New("refused"))}
	s := New(kv, client)

	res := s.Login(context.Background(), "admin", "secret")
	if res.Success {
		t.Fatal("login must fail")
	}
	if res.Error != networkErrorMessage {
		t.Errorf("error = %q, want generic network message", res.Error)
	}
	assertInvariant(t, s, kv)
}

func TestLoginWithoutProfileFallsBackToUsername(t *testing.T) {
	t.Parallel()

	kv := storage.NewMemory()
	client := &fakeClient{loginResult: AuthResult{Token: "tok-2"}}
	s := New(kv, client)

	if res := s.Login(context.Background(), "operator", "secret"); !res.Success {
		t.Fatalf("login failed: %+v", res)
	}
	state := s.Current()
	if state.User.Username != "operator" || state.User.IsAdmin {
		t.Fatalf("fallback user = %+v", state.User)
	}
}

func TestLogoutClearsStateEvenWhenRevokeFails(t *testing.T) {
	t.Parallel()

	kv := storage.NewMemory()
	client := &fakeClient{
		loginResult: AuthResult{Token: "tok-3", User: adminUser()},
		logoutErr:   apperr.Server(503, "maintenance"),
	}
	s := New(kv, client)
	s.Login(context.Background(), "admin", "secret")

	s.Logout(context.Background())

	if client.logoutCalls != 1 || client.lastToken != "tok-3" {
		t.Fatalf("revoke call: calls=%d token=%q", client.logoutCalls, client.lastToken)
	}
	if s.Current().Authenticated() {
		t.Fatal("state must be cleared despite revoke failure")
	}
	assertInvariant(t, s, kv)
}

func TestLogoutWithoutSessionSkipsRevoke(t *testing.T) {
	t.Parallel()

	kv := storage.NewMemory()
	client := &fakeClient{}
	s := New(kv, client)

	s.Logout(context.Background())
	if client.logoutCalls != 0 {
		t.Errorf("revoke called without a token: %d", client.logoutCalls)
	}
}

func TestRestoreFromPersistedPair(t *testing.T) {
	t.Parallel()

	kv := storage.NewMemory()
	rawUser, _ := json.Marshal(adminUser())
	if err := kv.Put(UserKey, rawUser); err != nil {
		t.Fatal(err)
	}
	if err := kv.Put(TokenKey, []byte("tok-restored")); err != nil {
		t.Fatal(err)
	}

	s := New(kv, &fakeClient{})
	state := s.Current()
	if !state.Authenticated() || state.Token != "tok-restored" || state.User.Username != "admin" {
		t.Fatalf("restore failed: %+v", state)
	}
}

func TestRestoreClearsPartialPersist(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		seed func(kv storage.KV)
	}{
		{"token without user", func(kv storage.KV) {
			_ = kv.Put(TokenKey, []byte("orphan"))
		}},
		{"user without token", func(kv storage.KV) {
			raw, _ := json.Marshal(adminUser())
			_ = kv.Put(UserKey, raw)
		}},
		{"corrupt user json", func(kv storage.KV) {
			_ = kv.Put(UserKey, []byte("{broken"))
			_ = kv.Put(TokenKey, []byte("tok"))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			kv := storage.NewMemory()
			tt.seed(kv)

			s := New(kv, &fakeClient{})
			if s.Current().Authenticated() {
				t.Fatal("state must be unauthenticated")
			}
			assertInvariant(t, s, kv)
		})
	}
}

func TestInvariantHoldsAcrossSequences(t *testing.T) {
	t.Parallel()

	kv := storage.NewMemory()
	client := &fakeClient{loginResult: AuthResult{Token: "tok", User: adminUser()}}
	s := New(kv, client)
	ctx := context.Background()

	steps := []func(){
		func() { s.Login(ctx, "admin", "secret") },
		func() { s.Logout(ctx) },
		func() { s.Logout(ctx) },
		func() {
			// Неудачный вход не должен ломать инвариант.
			client.loginErr = apperr.Auth("Invalid credentials")
			s.Login(ctx, "admin", "bad")
			client.loginErr = nil
		},
		func() { s.Login(ctx, "admin", "secret") },
		func() { s.Login(ctx, "admin", "secret") },
		func() { s.Logout(ctx) },
	}
	for _, step := range steps {
		step()
		assertInvariant(t, s, kv)
	}
}
