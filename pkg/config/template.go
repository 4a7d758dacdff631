package config

// defaultTemplate is copied verbatim to the user config path by `--init`.
const defaultTemplate = `# bms-gateway configuration template.
# Copy this file, edit the CAN interface names and battery parameters below,
# then point the gateway at it (see --help).

GATEWAY-ACTIVATED = true

[mqtt]
ACTIVATED = true
TOPIC     = "bms-gateway/pack"
BROKER    = "localhost"
PORT      = 1883
INTERVAL  = 5.0

[battery]
I-LIM-CHARGE    = 200.0
I-LIM-DISCHARGE = 200.0
I-TOT-SCALING   = 1.0
I-TOT-OFFSET    = 0.0

[[bmses-in]]
CAN-IF        = "can_in_1"
DESCRIPTION   = "module-1"
CAPACITY-AH   = 100.0
# POLL-INTERVAL = 2.0

[[bmses-out]]
CAN-IF               = "can_out_1"
DESCRIPTION          = "inverter-1"
I-LIM-CHARGE         = 100.0
I-LIM-DISCHARGE      = 100.0
I-SCALING            = 1.0
I-OFFSET             = 0.0
PUSH-MIN-DELAY       = 1.0
SEND-SYNC-ACTIVATED  = false
SYNC-INTERVAL        = 1.0
`
