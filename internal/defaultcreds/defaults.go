package defaultcreds

// Entry is one built-in credential pair tried against a device's GraphQL
// endpoint when no stored credential is assigned.
type Entry struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Note     string `json:"note"`
}

// Defaults are built-in and NOT stored in settings.json. Braiins OS ships
// with root/root; stock firmwares without a GraphQL endpoint simply reject
// the probe.
func Defaults() []Entry {
	return []Entry{
		{Username: "root", Password: "root", Note: "braiins os factory default"},
	}
}
