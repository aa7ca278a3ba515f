package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dennissolver/tenderwatch/internal/tender"
)

type siteStatus struct {
	Site       tender.Site `json:"site"`
	Name       string      `json:"name"`
	URL        string      `json:"url"`
	HasAPI     bool        `json:"has_api"`
	Configured bool        `json:"configured"`
}

var sitesCmd = &cobra.Command{
	Use:   "sites",
	Short: "List catalogued portals and whether an adapter is configured",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := getConfig()
		if err != nil {
			return err
		}

		registry, err := newRegistry(cfg.Sites, zap.NewNop())
		if err != nil {
			return err
		}
		configured := make(map[tender.Site]bool)
		for _, s := range registry.Supported() {
			configured[s] = true
		}

		out := make([]siteStatus, 0, len(tender.KnownSites()))
		for _, s := range tender.KnownSites() {
			info, _ := s.Info()
			out = append(out, siteStatus{
				Site:       s,
				Name:       info.Name,
				URL:        info.URL,
				HasAPI:     info.HasAPI,
				Configured: configured[s],
			})
		}
		return printJSON(out)
	},
}

func init() {
	rootCmd.AddCommand(sitesCmd)
}
