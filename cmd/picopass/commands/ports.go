package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"picopass/internal/device/serial"
)

func portsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List serial ports and mark the ones PicoPass would use",
		RunE: func(cmd *cobra.Command, args []string) error {
			t := serial.New(serial.Options{
				PortName:  cfg.Device.PortName,
				BaudRate:  cfg.Device.BaudRate,
				VendorIDs: cfg.Device.VendorIDs,
			})
			ports, err := t.ListPorts()
			if err != nil {
				return err
			}
			if len(ports) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No serial ports found.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PORT\tVID:PID\tSERIAL\tPRODUCT\tMATCH")
			for _, p := range ports {
				id := "-"
				if p.IsUSB {
					id = p.VendorID + ":" + p.ProductID
				}
				match := ""
				if p.Match {
					match = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.Name, id, p.SerialNumber, p.Product, match)
			}
			return w.Flush()
		},
	}
}
