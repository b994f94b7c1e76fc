package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

var advisorsCmd = &cobra.Command{
	Use:   "advisors",
	Short: "List advisors known to the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		advisors, err := fetchAdvisors()
		if err != nil {
			return err
		}

		ids := make([]string, 0, len(advisors))
		for id := range advisors {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		t := newTable("ID", "NAME", "CATEGORY", "FOCUS")
		for _, id := range ids {
			adv := advisors[id]
			t.addRow(adv.ID, adv.DisplayName, adv.Category, strings.Join(adv.FocusAreas, ", "))
		}
		fmt.Print(t.render())
		return nil
	},
}
