package scripthost

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunLogin_CommitTrue(t *testing.T) {
	t.Parallel()

	host := &Host{Timeout: time.Second}
	script := `
		function UserLoginProvider(credentials)
			if credentials.username == "ok@example.com" then
				commit(true, {subject = credentials.username, scopes = {"openid", "profile"}})
			else
				commit(false)
			end
		end
	`
	res, err := host.RunLogin(context.Background(), []string{script}, Credentials{Username: "ok@example.com", Password: "x"})
	require.NoError(t, err)
	assert.True(t, res.Decision)
	assert.Equal(t, "ok@example.com", res.Subject)
	assert.ElementsMatch(t, []string{"openid", "profile"}, res.Scopes)
}

func TestRunLogin_CommitFalse(t *testing.T) {
	t.Parallel()

	host := &Host{Timeout: time.Second}
	script := `
		function UserLoginProvider(credentials)
			commit(false)
		end
	`
	res, err := host.RunLogin(context.Background(), []string{script}, Credentials{Username: "bad", Password: "x"})
	require.NoError(t, err)
	assert.False(t, res.Decision)
}

func TestRunLogin_Timeout(t *testing.T) {
	t.Parallel()

	host := &Host{Timeout: 20 * time.Millisecond}
	script := `
		function UserLoginProvider(credentials)
			while true do end
		end
	`
	_, err := host.RunLogin(context.Background(), []string{script}, Credentials{Username: "x", Password: "y"})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestRunLogin_NoCommitIsNoResults(t *testing.T) {
	t.Parallel()

	host := &Host{Timeout: time.Second}
	script := `
		function UserLoginProvider(credentials)
			-- never calls commit
		end
	`
	_, err := host.RunLogin(context.Background(), []string{script}, Credentials{})
	assert.ErrorIs(t, err, ErrNoResults)
}

func TestRunLogin_SyntaxError(t *testing.T) {
	t.Parallel()

	host := &Host{Timeout: time.Second}
	_, err := host.RunLogin(context.Background(), []string{"this is not lua {{{"}, Credentials{})
	assert.ErrorIs(t, err, ErrSyntaxError)
}

func TestRunLogin_HelpersAvailable(t *testing.T) {
	t.Parallel()

	host := &Host{Timeout: time.Second}
	script := `
		function UserLoginProvider(credentials)
			say("logging in " .. credentials.username)
			local h = sha256(credentials.password)
			commit(true, {subject = credentials.username, scopes = {h}})
		end
	`
	res, err := host.RunLogin(context.Background(), []string{script}, Credentials{Username: "u", Password: "p"})
	require.NoError(t, err)
	assert.True(t, res.Decision)
	require.Len(t, res.Scopes, 1)
	assert.Len(t, res.Scopes[0], 64) // hex sha256
}

func TestRunValidate(t *testing.T) {
	t.Parallel()

	host := &Host{Timeout: time.Second}
	script := `
		function UserValidationProvider(args)
			commit(args.subject ~= "")
		end
	`
	res, err := host.RunValidate(context.Background(), []string{script}, ValidationArgs{Subject: "sub-1"})
	require.NoError(t, err)
	assert.True(t, res.Decision)
}
