package mellanox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `##
## Running database "initial"
## Generated at 2024/05/01 10:00:00 +0000
## MLNX-OS
##
   hostname spine1
   interface ethernet 1/1 speed 100G force
   username admin capability admin
   aaa authentication login default tacacs+ local
   tacacs-server host 10.2.0.10 key ****
   radius-server host 10.2.0.11
   ntp server 10.2.0.1 version 4
   ip name-server 10.2.0.53
   logging 10.2.0.99
   snmp-server community public ro
   snmp-server user ops v3 enable
   ssh server enable
   banner login "Authorized access only"
`

func TestParse(t *testing.T) {
	cfg, err := (&Parser{}).Parse(sample)
	require.NoError(t, err)

	assert.Equal(t, "spine1", cfg.Hostname)
	assert.Equal(t, "true", cfg.SSH["server_enabled"])
	assert.Equal(t, "true", cfg.SSH["enabled"])
	assert.Equal(t, "true", cfg.AAA["enabled"])
	assert.Contains(t, cfg.AAA["authentication"], "tacacs+")
	assert.Contains(t, cfg.AAA["tacacs"], "10.2.0.10")
	assert.Contains(t, cfg.AAA["radius"], "10.2.0.11")
	assert.Equal(t, []string{"10.2.0.1"}, cfg.NTPServers)
	assert.Equal(t, []string{"10.2.0.53"}, cfg.DNSServers)
	assert.Equal(t, []string{"10.2.0.99"}, cfg.SyslogServers)
	assert.Equal(t, []string{"public"}, cfg.SNMP.Communities)
	assert.True(t, cfg.SNMP.V3())
	assert.Equal(t, "Authorized access only", cfg.Banner)
	require.Len(t, cfg.Users, 1)
	require.Len(t, cfg.Interfaces, 1)
	assert.Equal(t, "ethernet 1/1 speed 100G force", cfg.Interfaces[0].Name)
}

func TestParseNoAAA(t *testing.T) {
	cfg, err := (&Parser{}).Parse("hostname leaf\nntp server 1.1.1.1\n")
	require.NoError(t, err)
	assert.Empty(t, cfg.AAA)
	assert.Empty(t, cfg.SSH)
}
