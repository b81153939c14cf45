package perfctlcmd

import (
	"fmt"
)

type cmdIDsNext struct{}

type cmdIDsAdvance struct {
	Past struct {
		IDs []int64 `positional-arg-name:"ID" required:"1" description:"Externally assigned experiment IDs"`
	} `positional-args:"yes"`
}

func init() {
	CommandRegistry.AddCommand("ids", "next", "Allocate an experiment ID", `
Allocate and print the next experiment ID. Allocated IDs are never reissued.
`, &cmdIDsNext{})

	CommandRegistry.AddCommand("ids", "advance", "Advance the counter past external IDs", `
Advance the experiment ID counter past externally assigned IDs, so that they
never collide with allocated IDs. The counter never moves backwards.

Example:
>  perfctl ids advance 1207 1208 1350
`, &cmdIDsAdvance{})
}

func (cmd *cmdIDsNext) Execute([]string) error {
	var env = startup()

	var id, err = env.Allocator().AllocateNextID(env.ctx)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func (cmd *cmdIDsAdvance) Execute([]string) error {
	var env = startup()

	var value, err = env.Allocator().AdvancePast(env.ctx, cmd.Past.IDs)
	if err != nil {
		return err
	}
	fmt.Printf("Counter is at %d\n", value)
	return nil
}
