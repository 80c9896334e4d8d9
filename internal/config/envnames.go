package config

// Environment variable names LS writes into (or reads out of) a child's
// environment (§6).
const (
	EnvStdoutDesc        = "STDOUT_DESC"
	EnvStderrDesc        = "STDERR_DESC"
	EnvPmodChildChannel  = "DRAGON_PMOD_CHILD_CHANNEL"
	EnvGatewayPrefix     = "GW_ENV_PREFIX" // suffixed 1..N
	EnvPMIControlPort    = "PMI_CONTROL_PORT"
	EnvMPICHOfiCxiPidBase = "MPICH_OFI_CXI_PID_BASE"
	EnvPMIPreloadPath    = "DRAGON_PMI_PRELOAD_PATH"
)
