/*
Package forms holds the input-collection side of the client: login,
registration, password reset, email verification and code resend forms.

Each form validates its fields locally before anything is sent. A form that
fails validation returns an *authsdk.Error of KindValidation whose Fields map
names each offending input, and the controller is never called:

	form := forms.VerificationPrompt{Code: input, Email: email}
	if err := form.Submit(ctx, ctrl); err != nil {
		for field, msg := range forms.FieldErrors(err) {
			fmt.Printf("%s: %s\n", field, msg)
		}
		return
	}

Server failures come back unchanged from the controller, so Message gives the
text to show next to the form in either case.
*/
package forms
