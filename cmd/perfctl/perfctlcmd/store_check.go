package perfctlcmd

import (
	"fmt"

	"go.perfstore.dev/core/stores"
)

type cmdStoreCheck struct{}

func init() {
	CommandRegistry.AddCommand("store", "check", "Check the results store", `
Check that the configured results store is reachable, and honours the
conditional writes on which concurrent updates of results rely. A probe
object is written and removed under ".check/".

Examples:
>  perfctl store check --store.url s3://my-bucket/and/prefix/
>  perfctl store check --store.url gs://my-bucket/and/prefix/
>  perfctl store check --store.url file:///var/local/data/
`, &cmdStoreCheck{})
}

func (cmd *cmdStoreCheck) Execute([]string) error {
	var env = startup()
	var store = env.Store()

	if err := stores.Check(env.ctx, store); err != nil {
		if store.IsAuthError(err) {
			return fmt.Errorf("store %s denied access: %w", baseCfg.Store.URL, err)
		}
		return fmt.Errorf("store %s is unhealthy: %w", baseCfg.Store.URL, err)
	}
	fmt.Printf("Store %s is healthy\n", baseCfg.Store.URL)
	return nil
}
