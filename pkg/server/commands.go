package server

import (
	"errors"
	"strconv"
	"strings"

	"github.com/Galaxy621/NotPTT/pkg/protocol"
)

// commandPrefix marks a chat line as a command invocation.
const commandPrefix = "/"

// CommandFailure classifies why a command invocation was rejected.
type CommandFailure int

const (
	FailInvalidArgs CommandFailure = iota
	FailNotAdmin
	FailExecuting
)

// ErrCommandFailed is returned by handlers to signal a reportable failure
// without a panic.
var ErrCommandFailed = errors.New("command failed")

// HandlerFunc executes a command for the invoking session with the
// whitespace-split positional arguments.
type HandlerFunc func(args []string, sess *Session) error

// Command describes one invocable command: its name, human-readable argument
// signature (bracket-denoted arguments are optional), description, admin
// requirement, and handler. Greedy marks the last argument as swallowing the
// remainder of the line, e.g. the message body of /pm or /announce.
type Command struct {
	Name        string
	Description string
	Args        []string
	AdminOnly   bool
	Greedy      bool
	Run         HandlerFunc
}

// countArgs returns the number of required and optional arguments declared
// in the signature.
func (c *Command) countArgs() (required, optional int) {
	for _, arg := range c.Args {
		if strings.HasPrefix(arg, "[") && strings.HasSuffix(arg, "]") {
			optional++
		} else {
			required++
		}
	}
	return required, optional
}

// checkArgs reports whether the supplied argument count falls inside
// [required, required+optional].
func (c *Command) checkArgs(args []string) bool {
	required, optional := c.countArgs()
	return len(args) >= required && len(args) <= required+optional
}

// String renders the help line, e.g. "/pm <name> <msg> - Sends a private message".
func (c *Command) String() string {
	if len(c.Args) == 0 {
		return commandPrefix + c.Name + " - " + c.Description
	}
	return commandPrefix + c.Name + " " + strings.Join(c.Args, " ") + " - " + c.Description
}

// Dispatch resolves a chat line beginning with the command prefix to a
// handler, validates arity and permission, and executes it. Failures are
// reported to the invoking session only; they never terminate the connection.
func (s *Server) Dispatch(sess *Session, line string) {
	fields := strings.Fields(strings.TrimPrefix(line, commandPrefix))
	if len(fields) == 0 {
		return
	}
	name, args := fields[0], fields[1:]

	cmd, ok := s.lookupCommand(name)
	if !ok {
		sess.ServerPM("Unknown command: " + name)
		return
	}

	if fail, failed := s.execute(cmd, args, sess); failed {
		switch fail {
		case FailInvalidArgs:
			sess.ServerPM("Invalid arguments. Usage: " + cmd.String())
		case FailNotAdmin:
			sess.ServerPM("You must be an admin to use that command.")
		case FailExecuting:
			sess.ServerPM("Command failed to execute.")
		}
	}
}

// lookupCommand resolves a command by exact name. External registrations are
// prepended to the table, so they win over built-ins.
func (s *Server) lookupCommand(name string) (*Command, bool) {
	s.cmdMu.RLock()
	defer s.cmdMu.RUnlock()

	for _, cmd := range s.commands {
		if cmd.Name == name {
			return cmd, true
		}
	}
	return nil, false
}

// execute validates and runs a command, containing handler panics at the
// dispatch boundary.
func (s *Server) execute(cmd *Command, args []string, sess *Session) (fail CommandFailure, failed bool) {
	if cmd.Greedy && len(cmd.Args) > 0 && len(args) > len(cmd.Args) {
		last := len(cmd.Args) - 1
		args = append(args[:last:last], strings.Join(args[last:], " "))
	}
	if !cmd.checkArgs(args) {
		return FailInvalidArgs, true
	}
	if cmd.AdminOnly && !sess.Admin() {
		return FailNotAdmin, true
	}

	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Int("session", sess.ID).Str("command", cmd.Name).
				Any("panic", r).Msg("command handler panicked")
			fail, failed = FailExecuting, true
		}
	}()

	if err := cmd.Run(args, sess); err != nil {
		s.log.Warn().Int("session", sess.ID).Str("command", cmd.Name).
			Err(err).Msg("command failed")
		return FailExecuting, true
	}
	return 0, false
}

// builtinCommands builds the fixed built-in command table bound to s.
func builtinCommands(s *Server) []*Command {
	return []*Command{
		{
			Name:        "help",
			Description: "Shows this message",
			Run: func(args []string, sess *Session) error {
				sess.ServerPM("Command Help:")
				admin := sess.Admin()
				s.cmdMu.RLock()
				cmds := make([]*Command, len(s.commands))
				copy(cmds, s.commands)
				s.cmdMu.RUnlock()
				for i := len(cmds) - 1; i >= 0; i-- {
					if cmds[i].AdminOnly && !admin {
						continue
					}
					sess.ServerPM("  " + cmds[i].String())
				}
				return nil
			},
		},
		{
			Name:        "login",
			Description: "Authenticates as an administrator",
			Args:        []string{"<username>", "<password>"},
			Run: func(args []string, sess *Session) error {
				if s.store == nil {
					return errors.New("no admin store configured")
				}
				ok, err := s.store.Authenticate(args[0], HashString(args[1]))
				if err != nil {
					return err
				}
				if !ok {
					sess.ServerPM("Invalid username or password.")
					return nil
				}
				sess.grantAdmin()
				sess.ServerPM("You are now logged in as an admin.")
				return nil
			},
		},
		{
			Name:        "password",
			Description: "Changes an admin password",
			Args:        []string{"<username>", "<password>"},
			AdminOnly:   true,
			Run: func(args []string, sess *Session) error {
				if s.store == nil {
					return errors.New("no admin store configured")
				}
				ok, err := s.store.SetPassword(args[0], HashString(args[1]))
				if err != nil {
					return err
				}
				if !ok {
					sess.ServerPM("User '" + args[0] + "' not found.")
					return nil
				}
				sess.ServerPM("Password updated.")
				return nil
			},
		},
		{
			Name:        "who",
			Description: "Lists all users",
			Run: func(args []string, sess *Session) error {
				lobby := sess.Lobby()
				s.registry.Each(func(peer *Session) {
					if peer.Lobby() == lobby && peer.Active() && peer.LoggedIn() {
						sess.ServerPM("> " + peer.Name() + " (" + strconv.Itoa(peer.ID) + ")")
					}
				})
				return nil
			},
		},
		{
			Name:        "pm",
			Greedy:      true,
			Description: "Sends a private message to a user",
			Args:        []string{"<name>", "<msg>"},
			Run: func(args []string, sess *Session) error {
				name := args[0]
				msg := strings.Join(args[1:], " ")

				target, found := s.registry.FindByName(name)
				if !found {
					sess.ServerPM("User '" + name + "' not found.")
					return nil
				}

				target.PushChat(protocol.ChatMessage{Body: msg, Username: sess.Name(), ID: sess.ID})
				sess.PushChat(protocol.ChatMessage{Body: msg, Username: "You -> " + name, ID: sess.ID})
				return nil
			},
		},
		{
			Name:        "nick",
			Description: "Changes your name",
			Args:        []string{"<name>"},
			Run: func(args []string, sess *Session) error {
				if sess.Admin() {
					sess.ServerPM("Admins cannot change their name.")
					return nil
				}

				name := CleanName(args[0], s.config.MaxNameLength, s.config.BadWords)
				if name == sess.Name() {
					return nil
				}

				name, _ = s.registry.ResolveName(name, false, sess)
				sess.ServerPM("Your name is now " + name + ".")
				return nil
			},
		},
		{
			Name:        "ban",
			Greedy:      true,
			Description: "Bans a user",
			Args:        []string{"<id>", "<reason>"},
			AdminOnly:   true,
			Run: func(args []string, sess *Session) error {
				id, err := strconv.Atoi(args[0])
				if err != nil {
					return err
				}
				s.Ban(id, strings.Join(args[1:], " "))
				return nil
			},
		},
		{
			Name:        "kick",
			Greedy:      true,
			Description: "Kicks a user",
			Args:        []string{"<id>", "<reason>"},
			AdminOnly:   true,
			Run: func(args []string, sess *Session) error {
				id, err := strconv.Atoi(args[0])
				if err != nil {
					return err
				}
				s.Kick(id, strings.Join(args[1:], " "))
				return nil
			},
		},
		{
			Name:        "announce",
			Greedy:      true,
			Description: "Announces a message",
			Args:        []string{"<msg>"},
			AdminOnly:   true,
			Run: func(args []string, sess *Session) error {
				s.Announce(sess.Name() + ": " + strings.Join(args, " "))
				return nil
			},
		},
		{
			Name:        "reload",
			Description: "Reloads external commands",
			AdminOnly:   true,
			Run: func(args []string, sess *Session) error {
				s.ReloadCommands()
				sess.ServerPM("Commands reloaded.")
				return nil
			},
		},
	}
}
