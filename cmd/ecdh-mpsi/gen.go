package main

import (
	"fmt"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"ecdh_mpsi/dataio"
)

func newGenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gen",
		Short: "Generate party datasets with a known intersection",
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := loadSimParams()
			if err != nil {
				return err
			}
			data, err := dataio.NewSampleData(params.nParties, params.n0, params.ni, params.intCard, params.seed)
			if err != nil {
				return err
			}
			if err := data.Write(afero.NewOsFs(), params.dataDir); err != nil {
				return err
			}

			PrintInfo([]configLine{
				{"Data directory", params.dataDir},
				{"Parties", strconv.Itoa(params.nParties)},
				{"Intersection size", strconv.Itoa(len(data.Intersection()))},
			})
			color.Set(color.FgBlue)
			for i := range data.Xs {
				fmt.Printf("%s\t%d records\n", data.Path(params.dataDir, i), len(data.Xs[i]))
			}
			color.Unset()
			return nil
		},
	}
}
