// Package usbid resolves USB vendor and product IDs to names using the
// system usb.ids database. The probe command uses it to label candidate
// serial bridges.
//
//	db := usbid.New()
//	if err := db.Load(); err != nil {
//	    // names fall back to "vvvv:pppp"
//	}
//	fmt.Println(db.Name(0x0483, 0x5740))
package usbid
