package generator

import (
	"fmt"
	"strings"

	"github.com/dyluth/kiln/pkg/candidates"
)

const pluginContract = `Write a single Go source file for a host plugin. It is loaded by an
interpreter, so use only the standard library and do not declare func main.

The file must declare:

    func Plugin() map[string]any

returning these keys:
    "name"              string, the plugin id
    "description"       string, one sentence
    "usage"             string, how a user invokes it
    "platforms"         []string, the platforms it supports (at least one)
    "required_settings" []string, setting names it needs (may be empty)

It may also declare a quick, side-effect free health check:

    func SelfCheck() (string, error)

Reply with the complete file in one fenced go code block.`

const platformContract = `Write a single Go source file for a host platform adapter. It is loaded
by an interpreter, so use only the standard library and do not declare func main.

The file must declare:

    func Run(ctx context.Context) error

Run serves until ctx is cancelled and must not start anything at package
initialisation. The file may also declare:

    var Name string               // adapter id
    var Settings map[string]any   // settings the adapter reads

Reply with the complete file in one fenced go code block.`

// SystemPrompt returns the instructions describing the artifact convention
// of a kind.
func SystemPrompt(kind candidates.Kind) string {
	if kind == candidates.KindPlatform {
		return platformContract
	}
	return pluginContract
}

// CreateRequest builds the request for a new candidate. baseSource is the
// current stable artifact when the candidate derives from one.
func CreateRequest(kind candidates.Kind, specText, baseID, baseSource string) Request {
	var user strings.Builder
	fmt.Fprintf(&user, "Build this %s:\n%s\n", kind, strings.TrimSpace(specText))
	if baseID != "" {
		fmt.Fprintf(&user, "\nIt replaces the existing %s %q. Current source:\n```go\n%s\n```\n", kind, baseID, strings.TrimSpace(baseSource))
	}
	return Request{
		Messages: []Message{
			{Role: RoleSystem, Content: SystemPrompt(kind)},
			{Role: RoleUser, Content: user.String()},
		},
		Caller: fmt.Sprintf("kiln.create.%s", kind),
	}
}

// UpdateRequest builds the request that regenerates candidate id toward goal,
// given its current source (empty when the file is absent).
func UpdateRequest(kind candidates.Kind, id, goalText, currentSource string) Request {
	var user strings.Builder
	fmt.Fprintf(&user, "Revise the %s %q.\nGoal:\n%s\n", kind, id, strings.TrimSpace(goalText))
	fmt.Fprintf(&user, "\nCurrent source:\n```go\n%s\n```\n", strings.TrimSpace(currentSource))
	return Request{
		Messages: []Message{
			{Role: RoleSystem, Content: SystemPrompt(kind)},
			{Role: RoleUser, Content: user.String()},
		},
		Caller: fmt.Sprintf("kiln.update.%s", kind),
	}
}
