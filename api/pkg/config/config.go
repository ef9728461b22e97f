package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/sessiond/sessiond/api/pkg/types"
)

// Config is the daemon configuration. Every field is settable from the
// environment; the file-based configuration frontend feeds the same struct.
type Config struct {
	// RuntimeDir holds the persisted session/user/inhibitor state and the
	// inhibitor fifos.
	RuntimeDir string `envconfig:"SESSIOND_RUNTIME_DIR" default:"/run/sessiond"`

	// CgroupAgentSocket is where the short-lived cgroup agent binary sends
	// empty-cgroup notifications.
	CgroupAgentSocket string `envconfig:"SESSIOND_CGROUP_AGENT_SOCKET" default:"/run/sessiond/cgroups-agent"`

	// Logout-time process killing.
	KillUserProcesses bool     `envconfig:"SESSIOND_KILL_USER_PROCESSES" default:"false"`
	KillOnlyUsers     []string `envconfig:"SESSIOND_KILL_ONLY_USERS"`
	KillExcludeUsers  []string `envconfig:"SESSIOND_KILL_EXCLUDE_USERS" default:"root"`

	// InhibitDelayMax caps how long a delay inhibitor may postpone a power
	// operation before it proceeds anyway.
	InhibitDelayMax time.Duration `envconfig:"SESSIOND_INHIBIT_DELAY_MAX" default:"5s"`

	// Hardware key and lid policy.
	HandlePowerKey        types.PowerAction `envconfig:"SESSIOND_HANDLE_POWER_KEY" default:"poweroff"`
	HandleSuspendKey      types.PowerAction `envconfig:"SESSIOND_HANDLE_SUSPEND_KEY" default:"suspend"`
	HandleHibernateKey    types.PowerAction `envconfig:"SESSIOND_HANDLE_HIBERNATE_KEY" default:"hibernate"`
	HandleLidSwitch       types.PowerAction `envconfig:"SESSIOND_HANDLE_LID_SWITCH" default:"suspend"`
	HandleLidSwitchDocked types.PowerAction `envconfig:"SESSIOND_HANDLE_LID_SWITCH_DOCKED" default:"ignore"`

	// IdleAction runs once the daemon-wide idle hint has been stable for
	// IdleActionSec. "ignore" disables the timer.
	IdleAction    types.PowerAction `envconfig:"SESSIOND_IDLE_ACTION" default:"ignore"`
	IdleActionSec time.Duration     `envconfig:"SESSIOND_IDLE_ACTION_SEC" default:"30m"`

	// HoldoffTimeoutSec suppresses lid-switch, suspend-key and
	// hibernate-key handling right after boot or resume so that closing the
	// lid to carry the machine does not immediately re-suspend it. The power
	// key is handled during the holdoff.
	HoldoffTimeoutSec time.Duration `envconfig:"SESSIOND_HOLDOFF_TIMEOUT_SEC" default:"30s"`

	// Strings for /sys/power/state and /sys/power/disk, in order of
	// preference. They are only loaded into the configuration: the
	// PowerExecutor interface is given the action alone, not these strings.
	SuspendState     []string `envconfig:"SESSIOND_SUSPEND_STATE" default:"mem,standby,freeze"`
	SuspendMode      []string `envconfig:"SESSIOND_SUSPEND_MODE"`
	HibernateState   []string `envconfig:"SESSIOND_HIBERNATE_STATE" default:"disk"`
	HibernateMode    []string `envconfig:"SESSIOND_HIBERNATE_MODE" default:"platform,shutdown"`
	HybridSleepState []string `envconfig:"SESSIOND_HYBRID_SLEEP_STATE" default:"disk"`
	HybridSleepMode  []string `envconfig:"SESSIOND_HYBRID_SLEEP_MODE" default:"suspend,platform,shutdown"`
}

// Load reads the configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the configuration with every field at its default,
// bypassing the environment. Used by tests and by state restoration before
// the environment is trusted.
func Default() Config {
	return Config{
		RuntimeDir:            "/run/sessiond",
		CgroupAgentSocket:     "/run/sessiond/cgroups-agent",
		KillExcludeUsers:      []string{"root"},
		InhibitDelayMax:       5 * time.Second,
		HandlePowerKey:        types.ActionPowerOff,
		HandleSuspendKey:      types.ActionSuspend,
		HandleHibernateKey:    types.ActionHibernate,
		HandleLidSwitch:       types.ActionSuspend,
		HandleLidSwitchDocked: types.ActionIgnore,
		IdleAction:            types.ActionIgnore,
		IdleActionSec:         30 * time.Minute,
		HoldoffTimeoutSec:     30 * time.Second,
		SuspendState:          []string{"mem", "standby", "freeze"},
		HibernateState:        []string{"disk"},
		HibernateMode:         []string{"platform", "shutdown"},
		HybridSleepState:      []string{"disk"},
		HybridSleepMode:       []string{"suspend", "platform", "shutdown"},
	}
}
