package main

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/docker/go-units"
	"github.com/getcharzp/go-segment/engine"
	"github.com/getcharzp/go-segment/nanosam"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func newInspectCommand(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "加载模型并列出全部绑定",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := global.loadConfig(cmd)
			if err != nil {
				return err
			}
			onnxConfig, err := cfg.OnnxConfig()
			if err != nil {
				return err
			}

			eng, err := nanosam.NewEngine(cfg)
			if err != nil {
				return err
			}
			defer eng.Destroy()

			encoder, decoder := eng.Bindings()
			fmt.Fprintf(cmd.OutOrStdout(), "device: %s\n\n", engine.DescribeDevice(onnxConfig))
			fmt.Fprint(cmd.OutOrStdout(), bindingTable(map[string][]engine.Binding{
				cfg.EncoderModelPath: encoder,
				cfg.DecoderModelPath: decoder,
			}, []string{cfg.EncoderModelPath, cfg.DecoderModelPath}))
			return nil
		},
	}
}

// bindingTable 按模型顺序输出绑定表
func bindingTable(bindings map[string][]engine.Binding, order []string) string {
	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)

	table.SetHeader([]string{"MODEL", "INDEX", "NAME", "DIRECTION", "DIMS", "DYNAMIC", "SIZE"})

	table.SetBorder(false)
	table.SetColumnSeparator("")
	table.SetHeaderLine(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	table.SetAutoFormatHeaders(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	for _, model := range order {
		for _, b := range bindings[model] {
			direction := "output"
			if b.IsInput {
				direction = "input"
			}
			dims := b.Dims.String()
			if b.Dynamic {
				dims += " (" + b.Declared.String() + ")"
			}
			table.Append([]string{
				model,
				strconv.Itoa(b.Index),
				b.Name,
				direction,
				dims,
				strconv.FormatBool(b.Dynamic),
				units.BytesSize(float64(b.ByteSize)),
			})
		}
	}

	table.Render()
	return buf.String()
}
