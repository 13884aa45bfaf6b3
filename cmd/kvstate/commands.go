package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/UltraSive/kvstate/internal/kv"
)

// bindRaw binds key without decoding its JSON, so any stored value passes through.
func bindRaw(store *kv.Store, key string) (*kv.Binding[json.RawMessage], error) {
	return kv.Bind[json.RawMessage](store, key, nil)
}

// parseValue reads arg as JSON, falling back to a JSON string.
func parseValue(arg string, asString bool) (json.RawMessage, error) {
	if !asString && json.Valid([]byte(arg)) {
		return json.RawMessage(arg), nil
	}
	b, err := json.Marshal(arg)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// setRaw writes v and reports whether the write stuck. Storage failures are
// only logged by the binding, which then keeps its previous value.
func setRaw(b *kv.Binding[json.RawMessage], v json.RawMessage) error {
	var want bytes.Buffer
	if err := json.Compact(&want, v); err != nil {
		return fmt.Errorf("invalid value for %s: %w", b.Key(), err)
	}
	b.Set(v)
	var got bytes.Buffer
	if err := json.Compact(&got, b.Get()); err != nil || !bytes.Equal(got.Bytes(), want.Bytes()) {
		return fmt.Errorf("writing %s failed, value unchanged", b.Key())
	}
	return nil
}

func newGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print the stored JSON value of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.open(cmd.Context(), openOptions{})
			if err != nil {
				return err
			}
			defer rt.close()

			b, err := bindRaw(rt.store, args[0])
			if err != nil {
				return err
			}
			defer b.Close()
			v := b.Get()
			if v == nil {
				return fmt.Errorf("%s is not set", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(v))
			return nil
		},
	}
}

func newSetCmd(a *app) *cobra.Command {
	var asString bool
	cmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Store a value; anything that is not valid JSON is stored as a string",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := parseValue(args[1], asString)
			if err != nil {
				return err
			}
			rt, err := a.open(cmd.Context(), openOptions{})
			if err != nil {
				return err
			}
			defer rt.close()

			b, err := bindRaw(rt.store, args[0])
			if err != nil {
				return err
			}
			defer b.Close()
			return setRaw(b, v)
		},
	}
	cmd.Flags().BoolVarP(&asString, "string", "s", false, "store the value as a JSON string even if it parses as JSON")
	return cmd
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <key>...",
		Aliases: []string{"rm"},
		Short:   "Remove keys, resetting bound processes to their defaults",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.open(cmd.Context(), openOptions{})
			if err != nil {
				return err
			}
			defer rt.close()

			for _, key := range args {
				b, err := bindRaw(rt.store, key)
				if err != nil {
					return err
				}
				b.Clear()
				b.Close()
			}
			return nil
		},
	}
}

func newListCmd(a *app) *cobra.Command {
	var values bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.open(cmd.Context(), openOptions{})
			if err != nil {
				return err
			}
			defer rt.close()

			keys, err := rt.store.Keys()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, key := range keys {
				if !values {
					fmt.Fprintln(out, key)
					continue
				}
				b, err := bindRaw(rt.store, key)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s\t%s\n", key, b.Get())
				b.Close()
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&values, "values", false, "print values next to keys")
	return cmd
}

func newWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <key>...",
		Short: "Print every change to the given keys until interrupted",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.open(cmd.Context(), openOptions{follow: true})
			if err != nil {
				return err
			}
			defer rt.close()

			var mu sync.Mutex
			out := cmd.OutOrStdout()
			show := func(key string, v json.RawMessage) {
				mu.Lock()
				defer mu.Unlock()
				if v == nil {
					fmt.Fprintf(out, "%s\t(unset)\n", key)
					return
				}
				fmt.Fprintf(out, "%s\t%s\n", key, v)
			}
			for _, key := range args {
				b, err := bindRaw(rt.store, key)
				if err != nil {
					return err
				}
				defer b.Close()
				show(key, b.Get())
				b.Watch(func(v json.RawMessage) { show(key, v) })
			}
			<-cmd.Context().Done()
			return nil
		},
	}
}

func newImportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Write every top-level entry of a YAML file as a key",
		Long: `Each top-level mapping key becomes a store key and its value is stored
as JSON. For example:

  selected-year: 2022
  map-center: [-95.7129, 37.0902]
  show-ndvi-layer: false`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := readSeed(args[0])
			if err != nil {
				return err
			}
			rt, err := a.open(cmd.Context(), openOptions{})
			if err != nil {
				return err
			}
			defer rt.close()

			keys := make([]string, 0, len(entries))
			for k := range entries {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			var errs []error
			for _, key := range keys {
				b, err := bindRaw(rt.store, key)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", key, err))
					continue
				}
				if err := setRaw(b, entries[key]); err != nil {
					errs = append(errs, err)
				}
				b.Close()
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d of %d keys\n", len(keys)-len(errs), len(keys))
			return errors.Join(errs...)
		},
	}
}

// readSeed loads a YAML mapping and converts each value to JSON.
func readSeed(path string) (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	out := make(map[string]json.RawMessage, len(doc))
	for k, v := range doc {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("convert %s to JSON: %w", k, err)
		}
		out[k] = b
	}
	return out, nil
}
