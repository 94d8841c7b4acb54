/*
Copyright © 2017 the InMAP authors.
This file is part of InMAP.

InMAP is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

InMAP is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with InMAP.  If not, see <http://www.gnu.org/licenses/>.
*/

// Package vtransutil holds the command-line interface and configuration
// handling for vtrans.
package vtransutil

import (
	"context"
	"fmt"
	"os"

	"github.com/lnashier/viper"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Version is the version of vtrans.
const Version = "0.1.0"

// Cfg holds configuration information.
var Cfg *viper.Viper

var options []struct {
	name, usage, shorthand string
	defaultVal             interface{}
	flagsets               []*pflag.FlagSet
}

func init() {
	// Options are the configuration options available to vtrans.
	options = []struct {
		name, usage, shorthand string
		defaultVal             interface{}
		flagsets               []*pflag.FlagSet
	}{
		{
			name: "config",
			usage: `
              config specifies the configuration file location.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "LogLevel",
			usage: `
              LogLevel specifies the most verbose level of log messages
              to print: one of panic, fatal, error, warning, info or debug.`,
			defaultVal: "info",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "Mesh.Cells",
			usage: `
              Mesh.Cells specifies the number of unrefined cells along
              the x, y and z axes.`,
			defaultVal: []int{16, 8, 8},
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), pencilsCmd.Flags()},
		},
		{
			name: "Mesh.CellSize",
			usage: `
              Mesh.CellSize specifies the edge length of unrefined cells [m].`,
			defaultVal: 1.0,
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), pencilsCmd.Flags()},
		},
		{
			name: "Mesh.Periodic",
			usage: `
              Mesh.Periodic specifies the axes (x, y or z) along which
              the domain wraps around.`,
			defaultVal: []string{},
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), pencilsCmd.Flags()},
		},
		{
			name: "Mesh.MaxLevel",
			usage: `
              Mesh.MaxLevel specifies the maximum number of times a cell
              can be refined.`,
			defaultVal: 2,
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), pencilsCmd.Flags()},
		},
		{
			name: "Mesh.Refine",
			usage: `
              Mesh.Refine specifies boxes in which to refine the mesh, each
              in the format 'xmin ymin zmin xmax ymax zmax level'. Cells that
              overlap a box are refined until they reach the given level.`,
			defaultVal: []string{},
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), pencilsCmd.Flags()},
		},
		{
			name: "Ranks",
			usage: `
              Ranks specifies the number of ranks to split the mesh over.
              All ranks run in this process unless Peers is set.`,
			shorthand:  "n",
			defaultVal: 2,
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), pencilsCmd.Flags()},
		},
		{
			name: "Peers",
			usage: `
              Peers specifies the network addresses ('host:port') of all
              ranks, in rank order. If it is set, run starts only the rank
              given by the rank option, listens at its address, and
              exchanges data with the other ranks over the network. Every
              rank must be started with the same configuration.`,
			defaultVal: []string{},
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "Workers",
			usage: `
              Workers specifies the maximum number of pencils each rank
              remaps at once. Zero means one per processor.`,
			defaultVal: 0,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "Dt",
			usage: `
              Dt specifies the time step [s].`,
			defaultVal: 0.05,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "Steps",
			usage: `
              Steps specifies the number of time steps to run.`,
			defaultVal: 10,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "RepartitionInterval",
			usage: `
              RepartitionInterval specifies the number of steps between
              repartitionings of the mesh. Zero disables repartitioning.`,
			defaultVal: 0,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "Populations",
			usage: `
              Populations specifies the names of the particle populations.
              All populations share the velocity mesh.`,
			defaultVal: []string{"proton"},
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "Velocity.Max",
			usage: `
              Velocity.Max specifies the largest velocity along each axis
              [m/s]. The velocity mesh spans -Velocity.Max to Velocity.Max.`,
			defaultVal: 4.0,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "Velocity.Blocks",
			usage: `
              Velocity.Blocks specifies the number of velocity blocks along
              each axis.`,
			defaultVal: 2,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "Blob.Width",
			usage: `
              Blob.Width specifies the spatial standard deviation of the
              initial Gaussian density [m].`,
			defaultVal: 2.0,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "Blob.Thermal",
			usage: `
              Blob.Thermal specifies the velocity standard deviation of the
              initial Gaussian density [m/s].`,
			defaultVal: 1.0,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "Blob.Threshold",
			usage: `
              Blob.Threshold specifies the density below which velocity
              blocks are not stored.`,
			defaultVal: 1.0e-6,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "dim",
			usage: `
              dim specifies the axis (x, y or z) of the pencils to report.`,
			shorthand:  "d",
			defaultVal: "x",
			flagsets:   []*pflag.FlagSet{pencilsCmd.Flags()},
		},
		{
			name: "rank",
			usage: `
              rank specifies the rank whose pencils to report, or the rank
              this process runs when Peers is set.`,
			defaultVal: 0,
			flagsets:   []*pflag.FlagSet{pencilsCmd.Flags(), runCmd.Flags()},
		},
		{
			name: "at",
			usage: `
              at optionally specifies a transverse position 't1,t2' so that
              only pencils covering it are reported. For pencils along
              axis d, t1 is along axis (d+1)%3 and t2 along (d+2)%3.`,
			defaultVal: []string{},
			flagsets:   []*pflag.FlagSet{pencilsCmd.Flags()},
		},
		{
			name: "OutputFile",
			usage: `
              OutputFile specifies the path for the pencil report. If it is
              empty, the report is written to standard output. If it ends
              in '.shp', the pencil footprints are written as a shapefile
              instead.`,
			shorthand:  "o",
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{pencilsCmd.Flags()},
		},
	}

	Cfg = viper.New()

	// Set the prefix for configuration environment variables.
	Cfg.SetEnvPrefix("VTRANS")
	Cfg.AutomaticEnv()

	for _, option := range options {
		for i, set := range option.flagsets {
			if i != 0 { // We don't want to create the same flag twice.
				set.AddFlag(option.flagsets[0].Lookup(option.name))
				continue
			}
			switch v := option.defaultVal.(type) {
			case string:
				set.StringP(option.name, option.shorthand, v, option.usage)
			case []string:
				set.StringSliceP(option.name, option.shorthand, v, option.usage)
			case int:
				set.IntP(option.name, option.shorthand, v, option.usage)
			case []int:
				set.IntSliceP(option.name, option.shorthand, v, option.usage)
			case float64:
				set.Float64P(option.name, option.shorthand, v, option.usage)
			default:
				panic("invalid argument type")
			}
			Cfg.BindPFlag(option.name, set.Lookup(option.name))
		}
	}
}

func init() {
	// Link the commands together.
	Root.AddCommand(versionCmd)
	Root.AddCommand(runCmd)
	Root.AddCommand(pencilsCmd)
}

// setConfig finds and reads in the configuration file, if there is one,
// and sets up logging.
func setConfig() error {
	if cfgpath := Cfg.GetString("config"); cfgpath != "" {
		Cfg.SetConfigFile(os.ExpandEnv(cfgpath))
		if err := Cfg.ReadInConfig(); err != nil {
			return fmt.Errorf("vtrans: problem reading configuration file: %v", err)
		}
	}
	level, err := logrus.ParseLevel(Cfg.GetString("LogLevel"))
	if err != nil {
		return fmt.Errorf("vtrans: invalid LogLevel: %v", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	return nil
}

// Root is the main command.
var Root = &cobra.Command{
	Use:   "vtrans",
	Short: "Spatial translation of phase-space distributions on adaptive meshes.",
	Long: `vtrans translates particle distribution functions through a distributed,
adaptively refined spatial mesh using one-dimensional conservative remapping
along pencils of equally refined cells.

Refer to the subcommand documentation for configuration options and default settings.
Configuration can be changed by using a configuration file (and providing the
path to the file using the --config flag), by using command-line arguments,
or by setting environment variables in the format 'VTRANS_var' where 'var' is the
name of the variable to be set.
Refer to https://github.com/spf13/viper for additional configuration information.`,
	DisableAutoGenTag: true,
	SilenceUsage:      true,
	PersistentPreRunE: func(*cobra.Command, []string) error { return setConfig() },
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Long:  "version prints the version number of this version of vtrans.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("vtrans v%s\n", Version)
	},
	DisableAutoGenTag: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a translation simulation.",
	Long: `run builds the configured mesh, splits it over ranks, places a Gaussian
density blob in the middle of the domain, and translates it for the configured
number of steps. All ranks run in this process unless Peers is set, in which
case one process must be started per rank.`,
	DisableAutoGenTag: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		gc, refine, err := MeshConfig(Cfg)
		if err != nil {
			return err
		}
		pops, err := Populations(Cfg)
		if err != nil {
			return err
		}
		peers, err := stringSlice(Cfg.Get("Peers"))
		if err != nil {
			return fmt.Errorf("vtrans: invalid Peers: %v", err)
		}
		return Run(context.Background(), cmd.OutOrStdout(), RunConfig{
			Grid:                gc,
			Refine:              refine,
			Populations:         pops,
			Ranks:               Cfg.GetInt("Ranks"),
			Peers:               peers,
			Rank:                Cfg.GetInt("rank"),
			Workers:             Cfg.GetInt("Workers"),
			Dt:                  Cfg.GetFloat64("Dt"),
			Steps:               Cfg.GetInt("Steps"),
			RepartitionInterval: Cfg.GetInt("RepartitionInterval"),
			BlobWidth:           Cfg.GetFloat64("Blob.Width"),
			BlobThermal:         Cfg.GetFloat64("Blob.Thermal"),
			Threshold:           Cfg.GetFloat64("Blob.Threshold"),
		})
	},
}

var pencilsCmd = &cobra.Command{
	Use:   "pencils",
	Short: "Report the pencil decomposition of one rank.",
	Long: `pencils builds the configured mesh, splits it over ranks, and writes
the pencils of one rank along one axis in TOML format.`,
	DisableAutoGenTag: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		gc, refine, err := MeshConfig(Cfg)
		if err != nil {
			return err
		}
		dim, err := parseDim(Cfg.GetString("dim"))
		if err != nil {
			return err
		}
		at, err := stringSlice(Cfg.Get("at"))
		if err != nil {
			return fmt.Errorf("vtrans: invalid at: %v", err)
		}
		point, err := parseFloats(at)
		if err != nil {
			return fmt.Errorf("vtrans: invalid at: %v", err)
		}
		if len(point) != 0 && len(point) != 2 {
			return fmt.Errorf("vtrans: at must have 2 values, not %d", len(point))
		}
		path := os.ExpandEnv(Cfg.GetString("OutputFile"))
		if IsShapefile(path) {
			r, err := Pencils(gc, refine, Cfg.GetInt("Ranks"), Cfg.GetInt("rank"), dim, point)
			if err != nil {
				return err
			}
			return WritePencilShapefile(path, r)
		}
		w := cmd.OutOrStdout()
		if path != "" {
			f, err := os.Create(path)
			if err != nil {
				return fmt.Errorf("vtrans: creating pencil report: %v", err)
			}
			defer f.Close()
			w = f
		}
		return WritePencils(w, gc, refine, Cfg.GetInt("Ranks"), Cfg.GetInt("rank"), dim, point)
	},
}
