package authres_test

import (
	"fmt"

	"github.com/sigpost/dkimproxy/authres"
)

func Example() {
	results := []authres.Result{
		&authres.DKIMResult{Value: authres.ResultPass, Domain: "example.com", Identifier: "@example.com"},
	}
	fmt.Println(authres.Format("mail.example.com", results))
	// Output: mail.example.com; dkim=pass header.d=example.com header.i=@example.com
}
