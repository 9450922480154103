package emq

// UserControl manages broker accounts. Obtain it with Client.Users.
// Every operation needs PermAdmin.
type UserControl struct {
	exec executor
}

// Create adds a user.
func (u *UserControl) Create(name, password string, perm Perm) error {
	if err := checkNames(name); err != nil {
		return err
	}
	_, err := u.exec.roundTrip(request{
		cmd: CmdUserCreate,
		encode: func(e *Encoder) {
			e.Text(name).Text(password).Uint(uint64(perm))
		},
	})
	return err
}

// List returns every user in broker order. Passwords are never reported.
func (u *UserControl) List() ([]User, error) {
	return list(u.exec, CmdUserList, decodeUser)
}

// Rename renames a user.
func (u *UserControl) Rename(from, to string) error {
	return rename(u.exec, CmdUserRename, from, to)
}

// SetPerm replaces the permissions of a user.
func (u *UserControl) SetPerm(name string, perm Perm) error {
	if err := checkNames(name); err != nil {
		return err
	}
	_, err := u.exec.roundTrip(request{
		cmd:    CmdUserSetPerm,
		encode: func(e *Encoder) { e.Text(name).Uint(uint64(perm)) },
	})
	return err
}

// Delete removes a user.
func (u *UserControl) Delete(name string) error {
	return simple(u.exec, CmdUserDelete, name)
}
