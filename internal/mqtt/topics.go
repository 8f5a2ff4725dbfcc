package mqtt

// Topics builds the topic names under a prefix.
//
//	{prefix}/online              online|offline (retained, last will)
//	{prefix}/state               connection state (retained)
//	{prefix}/status              status line (retained)
//	{prefix}/progress            scan progress percent (retained)
//	{prefix}/devices             roster (retained)
//	{prefix}/events/{name}       scan, id_change and connection_lost reports
type Topics struct {
	Prefix string
}

func (t Topics) topic(suffix string) string {
	if t.Prefix == "" {
		return "servoprog/" + suffix
	}
	return t.Prefix + "/" + suffix
}

func (t Topics) Online() string   { return t.topic("online") }
func (t Topics) State() string    { return t.topic("state") }
func (t Topics) Status() string   { return t.topic("status") }
func (t Topics) Progress() string { return t.topic("progress") }
func (t Topics) Devices() string  { return t.topic("devices") }

// Event returns the topic for a one-off event report.
func (t Topics) Event(name string) string { return t.topic("events/" + name) }
