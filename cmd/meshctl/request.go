package main

import (
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
)

// scalarTypes are the argument and generic types accepted on the command line.
var scalarTypes = map[string]reflect.Type{
	"bool":    reflect.TypeFor[bool](),
	"int":     reflect.TypeFor[int](),
	"int32":   reflect.TypeFor[int32](),
	"int64":   reflect.TypeFor[int64](),
	"uint":    reflect.TypeFor[uint](),
	"uint64":  reflect.TypeFor[uint64](),
	"float32": reflect.TypeFor[float32](),
	"float64": reflect.TypeFor[float64](),
	"string":  reflect.TypeFor[string](),
}

func scalarType(name string) (reflect.Type, error) {
	t, ok := scalarTypes[name]
	if !ok {
		names := make([]string, 0, len(scalarTypes))
		for n := range scalarTypes {
			names = append(names, n)
		}
		slices.Sort(names)
		return nil, fmt.Errorf("unsupported type %q, want one of %s", name, strings.Join(names, ", "))
	}
	return t, nil
}

// parseArg reads "type=value". Strings may be given unquoted.
func parseArg(raw string) (any, error) {
	name, value, ok := strings.Cut(raw, "=")
	if !ok {
		return nil, fmt.Errorf("argument %q: want type=value", raw)
	}
	t, err := scalarType(name)
	if err != nil {
		return nil, err
	}
	if t.Kind() == reflect.String && !strings.HasPrefix(value, `"`) {
		return value, nil
	}
	ptr := reflect.New(t)
	if err := sonic.ConfigStd.UnmarshalFromString(value, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("argument %q: %w", raw, err)
	}
	return ptr.Elem().Interface(), nil
}

type callFlags struct {
	service  string
	method   string
	args     []string
	generics []string
}

func (f *callFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.service, "service", "", "service name, used with --method instead of a subject")
	cmd.Flags().StringVar(&f.method, "method", "", "method name")
	cmd.Flags().StringArrayVar(&f.args, "arg", nil, "argument as type=value, repeatable")
	cmd.Flags().StringArrayVar(&f.generics, "generic", nil, "generic type argument, repeatable")
}

// resolve returns the call subject, arguments and generic types.
func (f *callFlags) resolve(s *session, positional []string) (string, []any, []reflect.Type, error) {
	args := make([]any, 0, len(f.args))
	for _, raw := range f.args {
		v, err := parseArg(raw)
		if err != nil {
			return "", nil, nil, err
		}
		args = append(args, v)
	}
	generics := make([]reflect.Type, 0, len(f.generics))
	for _, name := range f.generics {
		t, err := scalarType(name)
		if err != nil {
			return "", nil, nil, err
		}
		generics = append(generics, t)
	}

	switch {
	case len(positional) == 1:
		return positional[0], args, generics, nil
	case f.service != "" && f.method != "":
		return s.mesh.MethodSubject(f.service, f.method, len(generics), len(args)), args, generics, nil
	}
	return "", nil, nil, fmt.Errorf("give a subject or both --service and --method")
}

func newRequestCommand(s *session) *cobra.Command {
	flags := &callFlags{}
	cmd := &cobra.Command{
		Use:   "request [subject]",
		Short: "Call a unary or void service method and print its result",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, positional []string) error {
			subject, args, generics, err := flags.resolve(s, positional)
			if err != nil {
				return err
			}
			ctx, cancel := s.context(cmd)
			defer cancel()

			var out any
			if err := s.mesh.Request(ctx, subject, args, generics, &out); err != nil {
				return err
			}
			return printJSON(s, out)
		},
	}
	flags.register(cmd)
	return cmd
}

func newWatchCommand(s *session) *cobra.Command {
	flags := &callFlags{}
	cmd := &cobra.Command{
		Use:   "watch [subject]",
		Short: "Call a streaming service method and print every item",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, positional []string) error {
			subject, args, generics, err := flags.resolve(s, positional)
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)
			for item, err := range s.mesh.Stream(ctx, subject, args, generics, reflect.TypeFor[any]()) {
				if err != nil {
					return err
				}
				if err := printJSON(s, item); err != nil {
					return err
				}
			}
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func printJSON(s *session, v any) error {
	out, err := sonic.ConfigStd.MarshalToString(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(s.out, out)
	return err
}
