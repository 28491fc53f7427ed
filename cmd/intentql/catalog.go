// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/intentql/intentql/services/query/catalog"
)

func newCatalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect and validate template catalogs",
	}
	cmd.AddCommand(newCatalogValidateCmd())
	cmd.AddCommand(newCatalogListCmd())
	return cmd
}

func newCatalogValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a templates YAML file without serving it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading %s: %w", args[0], err)
			}
			cat, err := catalog.Load(data)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			fmt.Printf("%s: ok (%d templates, hash %s)\n", args[0], cat.Len(), cat.Hash()[:12])
			return nil
		},
	}
}

func newCatalogListCmd() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List templates and their parameters",
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				cat *catalog.Catalog
				err error
			)
			if path == "" {
				cat, err = catalog.LoadDefault()
			} else {
				var data []byte
				data, err = os.ReadFile(path)
				if err == nil {
					cat, err = catalog.Load(data)
				}
			}
			if err != nil {
				return err
			}

			for _, entry := range cat.Entries() {
				fmt.Printf("%s\n", entry.Name)
				for _, p := range entry.Params {
					req := "optional"
					if p.Required {
						req = "required"
					}
					fmt.Printf("  @%s  %s, %s\n", p.Name, p.Type, req)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "file", "", "templates YAML file (embedded catalog when empty)")
	return cmd
}
