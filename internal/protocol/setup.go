package protocol

// NetworkSetup is the full role assignment for one measurement.
type NetworkSetup struct {
	Server     ServerCommand
	Forwarders []ForwarderCommand
	Client     ClientCommand
}

// Commands returns the setup in send order: server, forwarders along the path,
// client last.
func (s NetworkSetup) Commands() []Command {
	cmds := make([]Command, 0, len(s.Forwarders)+2)
	cmds = append(cmds, s.Server)
	for _, f := range s.Forwarders {
		cmds = append(cmds, f)
	}
	return append(cmds, s.Client)
}
