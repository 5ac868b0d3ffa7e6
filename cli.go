package curd

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/alecthomas/kong"
	"github.com/goliatone/go-errors"
)

// CLICommand is anything that can be mounted in the command line tree.
// CLIHandler returns a kong command value, usually a pointer to a struct
// with a Run method.
type CLICommand interface {
	CLIHandler() any
	CLIOptions() CLIConfig
}

// CLIGroup describes an intermediate path segment.
type CLIGroup struct {
	Name        string
	Description string
}

// CLIConfig places a command in the tree. Path {"batch", "start"} mounts
// the handler as "batch start".
type CLIConfig struct {
	Path        []string
	Description string
	Group       string
	Groups      []CLIGroup
	Aliases     []string
	Hidden      bool
}

// CLIRegistry collects commands and compiles them into kong options.
type CLIRegistry struct {
	mu   sync.Mutex
	root *cliNode
}

func NewCLIRegistry() *CLIRegistry {
	return &CLIRegistry{root: newCLINode("")}
}

// Register mounts every command. Failures are joined; valid commands are
// still registered.
func (r *CLIRegistry) Register(cmds ...CLICommand) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs error
	for _, cmd := range cmds {
		if cmd == nil {
			errs = errors.Join(errs, errors.New("command cannot be nil", errors.CategoryBadInput).
				WithTextCode("NIL_COMMAND"))
			continue
		}
		opts := cmd.CLIOptions()
		if err := r.root.insert(opts.normalizedPath(), opts, cmd.CLIHandler()); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}

// Options returns the kong options embedding the registered tree.
func (r *CLIRegistry) Options() ([]kong.Option, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	model, err := r.root.buildKongModel()
	if err != nil {
		return nil, err
	}
	if model == nil {
		return nil, nil
	}
	return []kong.Option{kong.Embed(model)}, nil
}

type cliNode struct {
	name     string
	help     string
	group    string
	aliases  []string
	hidden   bool
	handler  any
	children map[string]*cliNode
}

func newCLINode(name string) *cliNode {
	return &cliNode{
		name:     name,
		children: make(map[string]*cliNode),
	}
}

func (n *cliNode) insert(path []string, opts CLIConfig, handler any) error {
	if len(path) == 0 {
		return errors.New("cli path cannot be empty", errors.CategoryBadInput).
			WithTextCode("CLI_PATH_EMPTY")
	}
	if handler == nil {
		return errors.New("cli handler cannot be nil", errors.CategoryBadInput).
			WithTextCode("CLI_HANDLER_NIL").
			WithMetadata(map[string]any{"path": strings.Join(path, " ")})
	}

	curr := n
	for idx, segment := range path {
		child, ok := curr.children[segment]
		if !ok {
			child = newCLINode(segment)
			curr.children[segment] = child
		}

		if idx == len(path)-1 {
			if child.handler != nil || len(child.children) > 0 {
				return errors.New("cli command already registered for path", errors.CategoryConflict).
					WithTextCode("CLI_PATH_CONFLICT").
					WithMetadata(map[string]any{"path": strings.Join(path, " ")})
			}
			child.handler = handler
			child.help = opts.Description
			child.aliases = opts.Aliases
			child.hidden = opts.Hidden
			child.group = opts.Group
			return nil
		}

		if child.handler != nil {
			return errors.New("cli command cannot also be a group", errors.CategoryConflict).
				WithTextCode("CLI_PATH_CONFLICT").
				WithMetadata(map[string]any{"path": strings.Join(path[:idx+1], " ")})
		}
		if desc := opts.groupDescription(segment); desc != "" && child.help == "" {
			child.help = desc
		}
		curr = child
	}
	return nil
}

func (opts CLIConfig) groupDescription(name string) string {
	for _, g := range opts.Groups {
		if strings.EqualFold(g.Name, name) {
			return g.Description
		}
	}
	return ""
}

func (opts CLIConfig) normalizedPath() []string {
	out := make([]string, 0, len(opts.Path))
	for _, segment := range opts.Path {
		if s := strings.TrimSpace(segment); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (n *cliNode) buildKongModel() (any, error) {
	if len(n.children) == 0 {
		return nil, nil
	}
	rootVal, err := buildStructForNode(n)
	if err != nil {
		return nil, err
	}
	return rootVal.Addr().Interface(), nil
}

func buildStructForNode(node *cliNode) (reflect.Value, error) {
	childNames := make([]string, 0, len(node.children))
	for name := range node.children {
		childNames = append(childNames, name)
	}
	sort.Strings(childNames)

	fields := make([]reflect.StructField, 0, len(childNames))
	values := make([]reflect.Value, 0, len(childNames))
	usedNames := make(map[string]struct{})

	for _, name := range childNames {
		child := node.children[name]

		fieldName := exportFieldName(name)
		if _, exists := usedNames[fieldName]; exists {
			return reflect.Value{}, fmt.Errorf("duplicate CLI command field name after normalization: %s", fieldName)
		}
		usedNames[fieldName] = struct{}{}

		var fieldValue reflect.Value
		if len(child.children) == 0 {
			fieldValue = reflect.ValueOf(child.handler)
		} else {
			val, err := buildStructForNode(child)
			if err != nil {
				return reflect.Value{}, err
			}
			fieldValue = val
		}

		fields = append(fields, reflect.StructField{
			Name: fieldName,
			Type: fieldValue.Type(),
			Tag:  buildStructTag(child),
		})
		values = append(values, fieldValue)
	}

	structVal := reflect.New(reflect.StructOf(fields)).Elem()
	for idx, val := range values {
		structVal.Field(idx).Set(val)
	}
	return structVal, nil
}

func buildStructTag(node *cliNode) reflect.StructTag {
	tags := []string{
		fmt.Sprintf(`name:"%s"`, escapeTag(node.name)),
		`cmd:""`,
	}
	if node.help != "" {
		tags = append(tags, fmt.Sprintf(`help:"%s"`, escapeTag(node.help)))
	}
	if node.group != "" {
		tags = append(tags, fmt.Sprintf(`group:"%s"`, escapeTag(node.group)))
	}
	if len(node.aliases) > 0 {
		tags = append(tags, fmt.Sprintf(`aliases:"%s"`, escapeTag(strings.Join(node.aliases, ","))))
	}
	if node.hidden {
		tags = append(tags, `hidden:""`)
	}
	return reflect.StructTag(strings.Join(tags, " "))
}

func exportFieldName(name string) string {
	var b strings.Builder
	for _, part := range strings.FieldsFunc(name, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		runes := []rune(part)
		runes[0] = unicode.ToUpper(runes[0])
		b.WriteString(string(runes))
	}
	out := b.String()
	if out == "" || !unicode.IsLetter([]rune(out)[0]) {
		out = "Cmd" + out
	}
	return out
}

func escapeTag(val string) string {
	val = strings.ReplaceAll(val, `\`, `\\`)
	val = strings.ReplaceAll(val, `"`, `\"`)
	return val
}
