package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"

	"github.com/room4-2/voiceorder/cart"
)

// printResult writes v to stdout as YAML, or JSON with --json.
func printResult(v any) error {
	return writeResult(os.Stdout, v, outputJSON)
}

func writeResult(w io.Writer, v any, asJSON bool) error {
	var (
		data []byte
		err  error
	)
	if asJSON {
		data, err = sonic.ConfigStd.MarshalIndent(v, "", "  ")
		data = append(data, '\n')
	} else {
		data, err = yaml.Marshal(v)
	}
	if err != nil {
		return fmt.Errorf("failed to format output: %w", err)
	}
	_, err = w.Write(data)
	return err
}

// writeCart prints the cart as a table with its total.
func writeCart(w io.Writer, items []cart.Item) {
	if len(items) == 0 {
		fmt.Fprintln(w, "Cart is empty")
		return
	}
	for _, it := range items {
		fmt.Fprintf(w, "  %3dx %-30s $%8.2f\n", it.Quantity, it.Name, it.Subtotal())
		if it.SpecialInstructions != "" {
			fmt.Fprintf(w, "       (%s)\n", it.SpecialInstructions)
		}
	}
	fmt.Fprintf(w, "  %d items, total $%.2f\n", cart.Count(items), cart.Total(items))
}
