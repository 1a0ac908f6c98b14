package token

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSecret() []byte {
	return []byte("0123456789abcdef0123456789abcdef")
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestService(t *testing.T, opts ...Option) (*Service, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc, err := NewService(testSecret(), append([]Option{WithClock(clock.Now)}, opts...)...)
	require.NoError(t, err)
	return svc, clock
}

func TestNewService_RejectsWeakSecret(t *testing.T) {
	_, err := NewService([]byte("short"))
	assert.ErrorIs(t, err, ErrWeakSecret)
}

func TestNewService_DoesNotWipeCallerSecret(t *testing.T) {
	secret := testSecret()
	_, err := NewService(secret)
	require.NoError(t, err)
	assert.Equal(t, testSecret(), secret)
}

func TestIssueAccess_VerifiesImmediately(t *testing.T) {
	svc, _ := newTestService(t)

	tok, err := svc.IssueAccess("user-1", "cred-1")
	require.NoError(t, err)
	assert.Equal(t, 3, len(strings.Split(tok.Value, ".")))

	claims, err := svc.VerifyAccess(tok.Value)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID())
	assert.Equal(t, "cred-1", claims.CredentialID)
	assert.Equal(t, ClassAccess, claims.Type)
	assert.NotEmpty(t, claims.ID)
	assert.Equal(t, tok.ExpiresAt, claims.ExpiresAt.Time)
}

func TestIssue_CredentialIsOptional(t *testing.T) {
	svc, _ := newTestService(t)

	tok, err := svc.IssueRefresh("user-1", "")
	require.NoError(t, err)

	claims, err := svc.VerifyRefresh(tok.Value)
	require.NoError(t, err)
	assert.Empty(t, claims.CredentialID)
}

func TestIssue_RequiresSubject(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.IssueAccess("  ", "")
	assert.Error(t, err)
}

func TestVerify_Expiry(t *testing.T) {
	svc, clock := newTestService(t)

	access, err := svc.IssueAccess("user-1", "")
	require.NoError(t, err)
	refresh, err := svc.IssueRefresh("user-1", "")
	require.NoError(t, err)

	clock.Advance(14 * time.Minute)
	_, err = svc.VerifyAccess(access.Value)
	assert.NoError(t, err)

	clock.Advance(time.Minute)
	_, err = svc.VerifyAccess(access.Value)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = svc.VerifyRefresh(refresh.Value)
	assert.NoError(t, err, "refresh outlives access")

	clock.Advance(RefreshTTL)
	_, err = svc.VerifyRefresh(refresh.Value)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_ClassesAreNotInterchangeable(t *testing.T) {
	svc, _ := newTestService(t)

	access, err := svc.IssueAccess("user-1", "")
	require.NoError(t, err)
	refresh, err := svc.IssueRefresh("user-1", "")
	require.NoError(t, err)
	ceremony, err := svc.IssueCeremony(ClassAuthenticationCeremony, "", []byte("state"))
	require.NoError(t, err)

	_, err = svc.VerifyAccess(refresh.Value)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = svc.VerifyRefresh(access.Value)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = svc.VerifyAccess(ceremony.Value)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = svc.VerifyClass(ceremony.Value, ClassRegistrationCeremony)
	assert.ErrorIs(t, err, ErrInvalidToken)

	// Verify alone accepts any class; callers needing a class must ask.
	claims, err := svc.Verify(refresh.Value)
	require.NoError(t, err)
	assert.Equal(t, ClassRefresh, claims.Type)
}

func TestVerify_RejectsForeignSignatures(t *testing.T) {
	svc, _ := newTestService(t)
	tok, err := svc.IssueAccess("user-1", "")
	require.NoError(t, err)

	t.Run("different secret", func(t *testing.T) {
		other, err := NewService([]byte("ffffffffffffffffffffffffffffffff"))
		require.NoError(t, err)
		_, err = other.Verify(tok.Value)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("tampered payload", func(t *testing.T) {
		parts := strings.Split(tok.Value, ".")
		parts[1] = parts[1][:len(parts[1])-2] + "AA"
		_, err := svc.Verify(strings.Join(parts, "."))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("alg none", func(t *testing.T) {
		claims := *tok.Claims
		unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, &claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = svc.Verify(unsigned)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("other hmac alg", func(t *testing.T) {
		claims := *tok.Claims
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS512, &claims).SignedString(testSecret())
		require.NoError(t, err)
		_, err = svc.Verify(signed)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage", func(t *testing.T) {
		for _, raw := range []string{"", " ", "a.b.c", "not-a-token"} {
			_, err := svc.Verify(raw)
			assert.ErrorIs(t, err, ErrInvalidToken)
		}
	})
}

func TestVerify_RequiresIssuer(t *testing.T) {
	svc, _ := newTestService(t, WithIssuer("polar-a"))
	tok, err := svc.IssueAccess("user-1", "")
	require.NoError(t, err)

	other, err := NewService(testSecret(), WithIssuer("polar-b"), WithClock(svc.now))
	require.NoError(t, err)
	_, err = other.Verify(tok.Value)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_RejectsFutureIssuedAt(t *testing.T) {
	svc, clock := newTestService(t)
	tok, err := svc.IssueAccess("user-1", "")
	require.NoError(t, err)

	clock.Advance(-time.Minute)
	_, err = svc.Verify(tok.Value)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestIssueCeremony(t *testing.T) {
	svc, clock := newTestService(t)

	tok, err := svc.IssueCeremony(ClassRegistrationCeremony, "user-1", []byte(`{"challenge":"abc"}`))
	require.NoError(t, err)

	claims, err := svc.VerifyClass(tok.Value, ClassRegistrationCeremony)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"challenge":"abc"}`), claims.State)
	assert.Equal(t, "user-1", claims.Subject)

	clock.Advance(CeremonyTTL)
	_, err = svc.VerifyClass(tok.Value, ClassRegistrationCeremony)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = svc.IssueCeremony(ClassAccess, "user-1", nil)
	assert.Error(t, err)
}

func TestWithTTL(t *testing.T) {
	svc, clock := newTestService(t, WithTTL(ClassAccess, time.Minute))
	assert.Equal(t, time.Minute, svc.TTL(ClassAccess))

	tok, err := svc.IssueAccess("user-1", "")
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = svc.VerifyAccess(tok.Value)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
