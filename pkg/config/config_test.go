// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/absmach/meshgate/pkg/acl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePolicy = `
users:
  - userName: gateway
    password: s3cret
    validateClientId: true
    clientIdPrefix: gw-
    roles: [publisher]
  - userName: viewer
    password: view
    subscriptionTopicLists:
      whitelistTopics: ["msh/#"]
roles:
  - name: publisher
    topicPermissions:
      - topicPattern: "msh/+/2/e/#"
        permission: ReadWrite
        priority: 10
encryptionKeys:
  - "AQ=="
  - "1PG7OiApB1nwvP+rz05pAQ=="
banlist: ["!deadbeef"]
alerting:
  enabled: true
  security:
    failedLoginThreshold: 3
  providers:
    - type: discord
      enabled: true
      config:
        WebhookUrl: https://discord.example/hook
`

func writePolicy(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestNewStore(t *testing.T) {
	s, err := NewStore(writePolicy(t, "policy.yaml", samplePolicy), nil)
	require.NoError(t, err)

	snap := s.Current()
	assert.Equal(t, uint64(1), snap.Version)
	assert.Len(t, snap.Keys, 2)
	assert.Equal(t, 30*time.Minute, snap.PositionTimeout)
	assert.Zero(t, snap.NodeInactivity)
	assert.Equal(t, []string{"!deadbeef"}, snap.Policy.Banlist)

	u, ok := snap.User("gateway")
	require.True(t, ok)
	assert.Equal(t, "gw-", u.ClientIDPrefix)
	_, ok = snap.User("nobody")
	assert.False(t, ok)

	role, ok := snap.Directory().Role("publisher")
	require.True(t, ok)
	assert.Equal(t, acl.ReadWrite, role.TopicPermissions[0].Permission)

	al := snap.Policy.Alerting
	assert.True(t, al.Enabled)
	assert.Equal(t, 3, al.Security.FailedLoginThreshold)
	assert.Equal(t, 50, al.Security.RapidNodeJoinsThreshold, "unset thresholds keep defaults")
	assert.True(t, al.Security.AlertOnNodeBan)
}

func TestNewStoreMissingFile(t *testing.T) {
	_, err := NewStore(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	assert.ErrorIs(t, err, ErrNoPolicy)
}

func TestValidationAggregatesErrors(t *testing.T) {
	body := `
users:
  - userName: a
  - userName: a
  - password: x
roles:
  - name: r
    topicPermissions:
      - topicPattern: "msh/#/x"
        permission: Read
encryptionKeys: ["not base64!"]
nodeInactivityMinutes: -1
`
	_, err := NewStore(writePolicy(t, "bad.yaml", body), nil)
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `duplicate user "a"`)
	assert.Contains(t, msg, "UserName")
	assert.Contains(t, msg, `invalid topic pattern "msh/#/x"`)
	assert.Contains(t, msg, "encryptionKeys[0]")
	assert.Contains(t, msg, "NodeInactivityMinutes")
}

func TestUnknownFieldsRejected(t *testing.T) {
	_, err := Parse([]byte("userz: []\n"), "yaml")
	assert.Error(t, err)
	_, err = Parse([]byte(`{"userz": []}`), "json")
	assert.Error(t, err)
}

func TestParseJSON(t *testing.T) {
	body := `{
	"users": [{"userName": "u", "password": "p", "topicPermissions": [{"topicPattern": "a/#", "permission": 3}]}],
	"encryptionKeys": ["AQ=="],
	"positionAppTimeoutMinutes": 0,
	"nodeInactivityMinutes": 60
}`
	s, err := NewStore(writePolicy(t, "policy.json", body), nil)
	require.NoError(t, err)
	snap := s.Current()
	assert.Equal(t, 720*time.Minute, snap.PositionTimeout, "non-positive timeout falls back to twelve hours")
	assert.Equal(t, time.Hour, snap.NodeInactivity)
	u, _ := snap.User("u")
	assert.Equal(t, acl.ReadWrite, u.TopicPermissions[0].Permission)
	assert.False(t, snap.Policy.Alerting.Enabled)
}

func TestReload(t *testing.T) {
	path := writePolicy(t, "policy.yaml", samplePolicy)
	s, err := NewStore(path, nil)
	require.NoError(t, err)

	var seen []uint64
	s.Subscribe(func(snap *Snapshot) { seen = append(seen, snap.Version) })
	var outcomes []error
	s.OnReload = func(err error) { outcomes = append(outcomes, err) }

	require.NoError(t, os.WriteFile(path, []byte(samplePolicy+"positionAppTimeoutMinutes: 5\n"), 0o600))
	require.NoError(t, s.Reload(context.Background()))
	assert.Equal(t, 5*time.Minute, s.Current().PositionTimeout)
	assert.Equal(t, []uint64{2}, seen)

	require.NoError(t, os.WriteFile(path, []byte("users: [{"), 0o600))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, s.Reload(ctx))
	assert.Equal(t, uint64(2), s.Current().Version, "previous snapshot stays in effect")
	assert.Equal(t, 5*time.Minute, s.Current().PositionTimeout)
	require.Len(t, outcomes, 2)
	assert.NoError(t, outcomes[0])
	assert.Error(t, outcomes[1])
}

func TestWatch(t *testing.T) {
	path := writePolicy(t, "policy.yaml", samplePolicy)
	s, err := NewStore(path, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Watch(ctx) }()
	// Give the watcher time to register.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, writeAtomic(path, []byte(samplePolicy+"nodeInactivityMinutes: 15\n")))
	assert.Eventually(t, func() bool {
		return s.Current().NodeInactivity == 15*time.Minute
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSaveBanlistYAML(t *testing.T) {
	path := writePolicy(t, "policy.yaml", samplePolicy)
	s, err := NewStore(path, nil)
	require.NoError(t, err)

	require.NoError(t, s.SaveBanlist([]string{"!b", "!a"}))
	assert.Equal(t, []string{"!a", "!b"}, s.Current().Policy.Banlist)

	fresh, err := NewStore(path, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"!a", "!b"}, fresh.Current().Policy.Banlist)
	assert.Len(t, fresh.Current().Policy.Users, 2, "rest of the file is kept")

	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(path), ".policy.yaml.tmp-*"))
	assert.Empty(t, matches)
}

func TestSaveBanlistAddsKey(t *testing.T) {
	path := writePolicy(t, "policy.yml", "users: []\nencryptionKeys: []\n")
	s, err := NewStore(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.SaveBanlist([]string{"!c"}))

	fresh, err := NewStore(path, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"!c"}, fresh.Current().Policy.Banlist)
}

func TestSaveBanlistJSON(t *testing.T) {
	path := writePolicy(t, "policy.json", `{"users": [], "encryptionKeys": ["AQ=="], "banlist": ["!x"]}`)
	s, err := NewStore(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.SaveBanlist(nil))

	fresh, err := NewStore(path, nil)
	require.NoError(t, err)
	assert.Empty(t, fresh.Current().Policy.Banlist)
	assert.Len(t, fresh.Current().Keys, 1)
}

func TestRedacted(t *testing.T) {
	s, err := NewStore(writePolicy(t, "policy.yaml", samplePolicy), nil)
	require.NoError(t, err)
	p := s.Current().Policy

	r := p.Redacted()
	assert.Equal(t, redacted, r.Users[0].Password)
	assert.Equal(t, "...AQ==", r.EncryptionKeys[0])
	assert.Equal(t, redacted, r.Alerting.Providers[0].Config["WebhookUrl"])

	assert.Equal(t, "s3cret", p.Users[0].Password, "original is untouched")
	assert.Equal(t, "https://discord.example/hook", p.Alerting.Providers[0].Config["WebhookUrl"])
}
